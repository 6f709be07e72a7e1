// Package token issues and verifies the service's HS256 JWTs: tenant
// access/refresh pairs and short-lived per-asset tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/leca/imagevault/internal/config"
)

// ErrInvalid is returned for any token that fails parsing, signature,
// expiry or type checks.
var ErrInvalid = errors.New("invalid token")

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// TenantClaims authenticate a tenant. SessionID ties access and refresh
// tokens to a session that logout can revoke.
type TenantClaims struct {
	Type      string `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TenantID is the authenticated tenant.
func (c *TenantClaims) TenantID() string { return c.Subject }

// AssetClaims grant read access to one asset.
type AssetClaims struct {
	AssetID  string `json:"aid"`
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Pair is the result of a successful authentication or refresh.
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	SessionID        string    `json:"-"`
}

// Issuer signs and verifies tokens. Tenant and asset tokens use distinct
// secrets so one can never be replayed as the other.
type Issuer struct {
	tenantSecret []byte
	assetSecret  []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
	assetTTL     time.Duration
	now          func() time.Time
}

func NewIssuer(cfg config.Auth) *Issuer {
	return &Issuer{
		tenantSecret: []byte(cfg.JWTSecret),
		assetSecret:  []byte(cfg.AssetTokenSecret),
		accessTTL:    cfg.AccessTokenTTL,
		refreshTTL:   cfg.RefreshTokenTTL,
		assetTTL:     cfg.AssetTokenTTL,
		now:          time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// IssuePair mints an access and a refresh token for a new session.
func (i *Issuer) IssuePair(tenantID string) (Pair, error) {
	now := i.now()
	sid := uuid.NewString()
	p := Pair{
		AccessExpiresAt:  now.Add(i.accessTTL),
		RefreshExpiresAt: now.Add(i.refreshTTL),
		SessionID:        sid,
	}

	var err error
	p.AccessToken, err = i.signTenant(tenantID, sid, typeAccess, now, p.AccessExpiresAt)
	if err != nil {
		return Pair{}, err
	}
	p.RefreshToken, err = i.signTenant(tenantID, sid, typeRefresh, now, p.RefreshExpiresAt)
	if err != nil {
		return Pair{}, err
	}
	return p, nil
}

func (i *Issuer) signTenant(tenantID, sid, typ string, now, exp time.Time) (string, error) {
	claims := TenantClaims{
		Type:      typ,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.tenantSecret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return s, nil
}

// VerifyAccess validates a bearer access token.
func (i *Issuer) VerifyAccess(tok string) (*TenantClaims, error) {
	return i.verifyTenant(tok, typeAccess)
}

// VerifyRefresh validates a refresh token.
func (i *Issuer) VerifyRefresh(tok string) (*TenantClaims, error) {
	return i.verifyTenant(tok, typeRefresh)
}

func (i *Issuer) verifyTenant(tok, typ string) (*TenantClaims, error) {
	claims := &TenantClaims{}
	if err := i.parse(tok, claims, i.tenantSecret); err != nil {
		return nil, err
	}
	if claims.Type != typ || claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: not a %s token", ErrInvalid, typ)
	}
	return claims, nil
}

// IssueAsset mints a token for one asset, valid for the asset TTL.
func (i *Issuer) IssueAsset(assetID, tenantID string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.assetTTL)
	claims := AssetClaims{
		AssetID:  assetID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.assetSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign asset token: %w", err)
	}
	return s, exp, nil
}

// VerifyAsset validates an asset token. The caller still has to match
// AssetID against the requested asset.
func (i *Issuer) VerifyAsset(tok string) (*AssetClaims, error) {
	claims := &AssetClaims{}
	if err := i.parse(tok, claims, i.assetSecret); err != nil {
		return nil, err
	}
	if claims.AssetID == "" {
		return nil, fmt.Errorf("%w: missing asset id", ErrInvalid)
	}
	return claims, nil
}

func (i *Issuer) parse(tok string, claims jwt.Claims, secret []byte) error {
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
