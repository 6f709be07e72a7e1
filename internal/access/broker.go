// Package access decides who may read an asset and resolves which stored
// rendition a read returns.
package access

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/links"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/storage"
	"github.com/leca/imagevault/internal/token"
)

// Catalog is the slice of the database the broker needs.
type Catalog interface {
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	RecordAccess(ctx context.Context, id string, at time.Time) error
}

// Request carries the credentials presented for one read. Bearer is the
// resolved tenant of a valid bearer token; BearerPresented is set whenever
// an Authorization header was sent, valid or not.
type Request struct {
	AssetID         string
	Size            string
	Token           string
	Bearer          *model.Tenant
	BearerPresented bool
}

// Grant is a successful authorization. Token is the asset token to embed
// in URLs for private assets: the presented one, or a fresh one minted for
// the owner.
type Grant struct {
	Asset          *model.Asset
	Size           string
	Handle         string
	MimeType       string
	Width          int
	Height         int
	Fallback       bool
	Token          string
	TokenExpiresAt *time.Time
}

type Broker struct {
	catalog Catalog
	blobs   storage.Storage
	tokens  *token.Issuer
	links   *links.Builder
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

func NewBroker(catalog Catalog, blobs storage.Storage, tokens *token.Issuer, lb *links.Builder, m *metrics.Metrics, logger zerolog.Logger) *Broker {
	return &Broker{
		catalog: catalog,
		blobs:   blobs,
		tokens:  tokens,
		links:   lb,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// Authorize applies the access rules in order: size name, existence,
// public flag, asset token, owner bearer. It performs no blob I/O.
func (b *Broker) Authorize(ctx context.Context, req Request) (*Grant, error) {
	size := req.Size
	if size == "" {
		size = model.SizeOriginal
	}
	if !model.ValidSize(size) {
		return nil, apperr.Validationf("unknown size %q", req.Size)
	}

	a, err := b.catalog.GetAsset(ctx, req.AssetID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("image not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	g := &Grant{Asset: a}
	switch {
	case a.IsPublic:
	case req.Token != "" && b.tokenMatches(req.Token, a.ID):
		g.Token = req.Token
	case req.Bearer != nil && req.Bearer.ID == a.TenantID:
		tok, exp, err := b.tokens.IssueAsset(a.ID, a.TenantID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		g.Token, g.TokenExpiresAt = tok, &exp
	case req.Token != "" || req.BearerPresented:
		return nil, apperr.Forbidden("access to this image is denied")
	default:
		return nil, apperr.AuthRequired("authentication required for private image")
	}

	resolve(g, size)
	return g, nil
}

func (b *Broker) tokenMatches(tok, assetID string) bool {
	claims, err := b.tokens.VerifyAsset(tok)
	if err != nil {
		b.logger.Debug().Err(err).Str("asset_id", assetID).Msg("asset token rejected")
		return false
	}
	return claims.AssetID == assetID
}

// resolve picks the rendition for size. A missing variant falls back to
// the original, with the original's type and dimensions.
func resolve(g *Grant, size string) {
	a := g.Asset
	if e, ok := a.Variants[size]; ok && size != model.SizeOriginal && e.Handle != "" {
		g.Size = size
		g.Handle = e.Handle
		g.MimeType = model.Format(e.Format).MIMEType()
		g.Width, g.Height = a.Width, a.Height
		if e.Width != nil && e.Height != nil {
			g.Width, g.Height = *e.Width, *e.Height
		}
		return
	}
	g.Size = model.SizeOriginal
	g.Handle = a.OriginalHandle()
	g.MimeType = a.MimeType
	g.Width, g.Height = a.Width, a.Height
	g.Fallback = size != model.SizeOriginal
}

// Open authorizes req and opens the resolved blob. The caller closes the
// reader.
func (b *Broker) Open(ctx context.Context, req Request) (*Grant, io.ReadCloser, error) {
	g, err := b.Authorize(ctx, req)
	if err != nil {
		b.observe("bytes", err)
		return nil, nil, err
	}

	rc, err := b.blobs.Get(ctx, g.Handle)
	if errors.Is(err, storage.ErrNotFound) {
		b.logger.Error().Str("asset_id", g.Asset.ID).Str("handle", g.Handle).Msg("catalog references a missing blob")
		b.observe("bytes", apperr.NotFound(""))
		return nil, nil, apperr.NotFound("image not found")
	}
	if err != nil {
		b.observe("bytes", err)
		return nil, nil, apperr.Internal(err)
	}

	b.record(ctx, g, "bytes")
	return g, rc, nil
}

// Descriptor is the metadata view of an asset.
type Descriptor struct {
	Image          *model.Asset      `json:"image"`
	Size           string            `json:"size"`
	MimeType       string            `json:"mimeType"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Fallback       bool              `json:"fallback"`
	URL            string            `json:"url"`
	URLs           map[string]string `json:"urls"`
	Token          string            `json:"token,omitempty"`
	TokenExpiresAt *time.Time        `json:"tokenExpiresAt,omitempty"`
}

// Describe authorizes req and returns the asset's descriptor. URLs of
// private assets carry the grant's token.
func (b *Broker) Describe(ctx context.Context, req Request) (*Descriptor, error) {
	g, err := b.Authorize(ctx, req)
	if err != nil {
		b.observe("info", err)
		return nil, err
	}
	b.record(ctx, g, "info")

	a := g.Asset
	return &Descriptor{
		Image:          a,
		Size:           g.Size,
		MimeType:       g.MimeType,
		Width:          g.Width,
		Height:         g.Height,
		Fallback:       g.Fallback,
		URL:            b.links.Asset(a.ID, g.Size, g.Token),
		URLs:           b.links.Sizes(a.ID, a.Variants, g.Token),
		Token:          g.Token,
		TokenExpiresAt: g.TokenExpiresAt,
	}, nil
}

// record counts the read. A failed counter update never fails the read.
func (b *Broker) record(ctx context.Context, g *Grant, kind string) {
	outcome := "granted"
	if g.Fallback {
		outcome = "fallback"
	}
	b.metrics.Reads.WithLabelValues(kind, outcome).Inc()

	if err := b.catalog.RecordAccess(ctx, g.Asset.ID, b.now().UTC()); err != nil {
		b.logger.Warn().Err(err).Str("asset_id", g.Asset.ID).Msg("record access failed")
	}
}

func (b *Broker) observe(kind string, err error) {
	outcome := "error"
	switch apperr.As(err).Kind {
	case apperr.KindValidation:
		outcome = "invalid"
	case apperr.KindNotFound:
		outcome = "not_found"
	case apperr.KindAuthRequired:
		outcome = "unauthenticated"
	case apperr.KindForbidden:
		outcome = "denied"
	}
	b.metrics.Reads.WithLabelValues(kind, outcome).Inc()
}
