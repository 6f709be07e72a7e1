// Package tenant implements application registration, authentication and
// session management.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/token"
)

// Store is the slice of the database the tenant service needs.
type Store interface {
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	UpdateTenantSettings(ctx context.Context, id string, s model.Settings) error
	UpdateTenantLimits(ctx context.Context, id string, plan model.Plan, limits model.Limits) error
	SetTenantActive(ctx context.Context, id string, active bool) error
	SaveSessions(ctx context.Context, tenantID string, sessions []model.Session) error
}

// Service manages tenants and their sessions.
type Service struct {
	store       Store
	tokens      *token.Issuer
	maxSessions int
	bcryptCost  int
	quality     int
	now         func() time.Time
	logger      zerolog.Logger
}

func NewService(store Store, tokens *token.Issuer, cfg *config.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		tokens:      tokens,
		maxSessions: cfg.Auth.MaxSessions,
		bcryptCost:  cfg.Auth.BcryptCost,
		quality:     cfg.Upload.DefaultQuality,
		now:         time.Now,
		logger:      logger,
	}
}

// RegisterInput describes a new application.
type RegisterInput struct {
	Name   string
	Domain string
	Plan   model.Plan
}

// Registration is returned once; APISecret is never retrievable again.
type Registration struct {
	Tenant    *model.Tenant `json:"application"`
	APISecret string        `json:"apiSecret"`
}

// Register creates a tenant with the plan's default limits and a fresh
// credential pair. Only the bcrypt hash of the secret is stored.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	plan := in.Plan
	if plan == "" {
		plan = model.PlanFree
	}
	if !plan.Valid() {
		return nil, apperr.Validationf("unknown plan %q", plan)
	}

	keyPart, err := randomHex(16)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("hash secret: %w", err))
	}

	now := s.now().UTC()
	t := &model.Tenant{
		ID:         uuid.NewString(),
		Name:       name,
		Domain:     strings.TrimSpace(in.Domain),
		APIKey:     "ak_" + keyPart,
		SecretHash: string(hash),
		Plan:       plan,
		Limits:     plan.DefaultLimits(),
		Usage:      model.Usage{LastResetDate: now},
		Settings: model.Settings{
			PublicAccess:   true,
			DefaultQuality: s.quality,
			AllowedFormats: slices.Clone(model.AllFormats),
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateTenant(ctx, t); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, apperr.Conflict("application name already registered")
		}
		return nil, apperr.Internal(err)
	}

	s.logger.Info().Str("tenant_id", t.ID).Str("name", t.Name).Str("plan", string(plan)).Msg("application registered")
	return &Registration{Tenant: t, APISecret: secret}, nil
}

// Authenticate exchanges an API key and secret for a token pair and opens a
// new session.
func (s *Service) Authenticate(ctx context.Context, apiKey, apiSecret string) (*token.Pair, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, apperr.Validation("apiKey and apiSecret are required")
	}

	t, err := s.store.GetTenantByAPIKey(ctx, apiKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.AuthRequired("invalid credentials")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(t.SecretHash), []byte(apiSecret)) != nil {
		return nil, apperr.AuthRequired("invalid credentials")
	}
	if !t.Active {
		return nil, apperr.Forbidden("application is deactivated")
	}

	return s.openSession(ctx, t)
}

// Refresh rotates a session: the presented refresh token's session is
// replaced by a new one.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, apperr.AuthRequired("invalid refresh token")
	}

	t, err := s.activeTenant(ctx, claims.TenantID())
	if err != nil {
		return nil, err
	}
	if !t.HasSession(claims.SessionID, s.now()) {
		return nil, apperr.AuthRequired("session expired or revoked")
	}

	t.RemoveSession(claims.SessionID)
	return s.openSession(ctx, t)
}

func (s *Service) openSession(ctx context.Context, t *model.Tenant) (*token.Pair, error) {
	pair, err := s.tokens.IssuePair(t.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	t.AddSession(model.Session{ID: pair.SessionID, ExpiresAt: pair.RefreshExpiresAt}, s.maxSessions, s.now())
	if err := s.store.SaveSessions(ctx, t.ID, t.Sessions); err != nil {
		return nil, apperr.Internal(err)
	}
	return &pair, nil
}

// Logout revokes one session, or all of them when all is set.
func (s *Service) Logout(ctx context.Context, t *model.Tenant, sessionID string, all bool) error {
	if all {
		t.Sessions = nil
	} else {
		t.RemoveSession(sessionID)
	}
	if err := s.store.SaveSessions(ctx, t.ID, t.Sessions); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// Resolve authenticates a bearer access token. The tenant must be active and
// the token's session unrevoked.
func (s *Service) Resolve(ctx context.Context, accessToken string) (*model.Tenant, *token.TenantClaims, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, nil, apperr.AuthRequired("invalid or expired token")
	}
	t, err := s.activeTenant(ctx, claims.TenantID())
	if err != nil {
		return nil, nil, err
	}
	if !t.HasSession(claims.SessionID, s.now()) {
		return nil, nil, apperr.AuthRequired("session expired or revoked")
	}
	return t, claims, nil
}

func (s *Service) activeTenant(ctx context.Context, id string) (*model.Tenant, error) {
	t, err := s.store.GetTenant(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.AuthRequired("unknown application")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !t.Active {
		return nil, apperr.Forbidden("application is deactivated")
	}
	return t, nil
}

// SettingsPatch carries optional settings changes.
type SettingsPatch struct {
	PublicAccess   *bool
	DefaultQuality *int
	AllowedFormats []string
}

// UpdateSettings validates and applies a settings patch.
func (s *Service) UpdateSettings(ctx context.Context, t *model.Tenant, p SettingsPatch) (model.Settings, error) {
	next := t.Settings
	if p.PublicAccess != nil {
		next.PublicAccess = *p.PublicAccess
	}
	if p.DefaultQuality != nil {
		q := *p.DefaultQuality
		if q < 50 || q > 100 {
			return model.Settings{}, apperr.Validation("defaultQuality must be within 50-100")
		}
		next.DefaultQuality = q
	}
	if p.AllowedFormats != nil {
		if len(p.AllowedFormats) == 0 {
			return model.Settings{}, apperr.Validation("allowedFormats must not be empty")
		}
		formats := make([]model.Format, 0, len(p.AllowedFormats))
		for _, raw := range p.AllowedFormats {
			f := model.Format(strings.ToLower(strings.TrimSpace(raw)))
			if !slices.Contains(model.AllFormats, f) {
				return model.Settings{}, apperr.Validationf("unsupported format %q", raw)
			}
			if !slices.Contains(formats, f) {
				formats = append(formats, f)
			}
		}
		next.AllowedFormats = formats
	}

	if err := s.store.UpdateTenantSettings(ctx, t.ID, next); err != nil {
		return model.Settings{}, apperr.Internal(err)
	}
	t.Settings = next
	return next, nil
}

// LimitsOverride replaces individual plan defaults. Zero fields keep the
// plan's value.
type LimitsOverride struct {
	MaxFileSize       int64
	MaxImagesPerMonth int64
	MaxStorageBytes   int64
}

// ChangePlan moves the tenant to plan, resetting limits to the plan
// defaults with any overrides applied. Usage counters are untouched.
func (s *Service) ChangePlan(ctx context.Context, tenantID string, plan model.Plan, o LimitsOverride) (*model.Tenant, error) {
	if !plan.Valid() {
		return nil, apperr.Validationf("unknown plan %q", plan)
	}
	if o.MaxFileSize < 0 || o.MaxImagesPerMonth < 0 || o.MaxStorageBytes < 0 {
		return nil, apperr.Validation("limits must not be negative")
	}

	limits := plan.DefaultLimits()
	if o.MaxFileSize > 0 {
		limits.MaxFileSize = o.MaxFileSize
	}
	if o.MaxImagesPerMonth > 0 {
		limits.MaxImagesPerMonth = o.MaxImagesPerMonth
	}
	if o.MaxStorageBytes > 0 {
		limits.MaxStorageBytes = o.MaxStorageBytes
	}

	err := s.store.UpdateTenantLimits(ctx, tenantID, plan, limits)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("application not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.logger.Info().Str("tenant_id", t.ID).Str("plan", string(plan)).Interface("limits", limits).Msg("plan changed")
	return t, nil
}

// Deactivate soft-disables the tenant and revokes every session.
func (s *Service) Deactivate(ctx context.Context, t *model.Tenant) error {
	if err := s.store.SetTenantActive(ctx, t.ID, false); err != nil {
		return apperr.Internal(err)
	}
	if err := s.store.SaveSessions(ctx, t.ID, nil); err != nil {
		return apperr.Internal(err)
	}
	t.Active = false
	t.Sessions = nil
	s.logger.Info().Str("tenant_id", t.ID).Msg("application deactivated")
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
