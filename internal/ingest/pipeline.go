// Package ingest runs uploads through validation, quota admission, variant
// generation, blob writes and catalog persistence, and implements the
// owner-only mutations of existing assets.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/imageproc"
	"github.com/leca/imagevault/internal/ledger"
	"github.com/leca/imagevault/internal/links"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/storage"
	"github.com/leca/imagevault/internal/token"
)

// Catalog is the slice of the database the pipeline needs.
type Catalog interface {
	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, tenantID string, f database.AssetFilter) ([]*model.Asset, int, error)
	UpdateAssetMetadata(ctx context.Context, a *model.Asset) error
	ReplaceAsset(ctx context.Context, a *model.Asset, prev model.AssetVersion) error
	SoftDeleteAsset(ctx context.Context, tenantID, id string, at time.Time) error
	ListVersions(ctx context.Context, assetID string) ([]model.AssetVersion, error)
}

// File is one uploaded file as received. Size is the declared length of a
// body the caller chose not to load; it is zero when Data holds the body.
type File struct {
	Filename string
	MimeType string
	Data     []byte
	Size     int64
}

func (f File) size() int64 {
	return max(f.Size, int64(len(f.Data)))
}

// unloaded rejects a file whose body was left unread. Such a file only
// gets as far as the per-file size check.
func (p *Pipeline) unloaded(t *model.Tenant, f File) error {
	if int64(len(f.Data)) >= f.Size {
		return nil
	}
	if err := checkFileSize(t, f.Size); err != nil {
		p.metrics.Uploads.WithLabelValues("rejected").Inc()
		p.metrics.QuotaRejections.WithLabelValues("per_file_size").Inc()
		return err
	}
	return apperr.Validationf("file %q was not read", f.Filename)
}

// Classification holds the optional descriptive and association fields of
// an upload.
type Classification struct {
	Category   string
	Tags       []string
	Alt        string
	Title      string
	EntityID   string
	EntityType string
	ProductID  string
}

// UploadInput is a single upload request.
type UploadInput struct {
	File
	Classification
}

// Result is returned for every stored asset. Public assets get bare URLs;
// private assets get URLs carrying Token.
type Result struct {
	Asset          *model.Asset      `json:"image"`
	URL            string            `json:"url,omitempty"`
	SignedURL      string            `json:"signedUrl,omitempty"`
	URLs           map[string]string `json:"urls"`
	Token          string            `json:"token,omitempty"`
	TokenExpiresAt *time.Time        `json:"tokenExpiresAt,omitempty"`
}

// Pipeline orchestrates ingestion. It is safe for concurrent use.
type Pipeline struct {
	catalog Catalog
	blobs   storage.Storage
	ledger  *ledger.Ledger
	engine  *imageproc.Engine
	tokens  *token.Issuer
	links   *links.Builder
	metrics *metrics.Metrics
	cfg     config.Upload
	now     func() time.Time
	logger  zerolog.Logger
}

func New(
	catalog Catalog,
	blobs storage.Storage,
	l *ledger.Ledger,
	engine *imageproc.Engine,
	tokens *token.Issuer,
	lb *links.Builder,
	m *metrics.Metrics,
	cfg config.Upload,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		catalog: catalog,
		blobs:   blobs,
		ledger:  l,
		engine:  engine,
		tokens:  tokens,
		links:   lb,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// validated is a file that passed every content check.
type validated struct {
	originalName string
	info         imageproc.Info
	data         []byte
}

// Upload runs the full pipeline for one file. Quota is checked before any
// blob or catalog write.
func (p *Pipeline) Upload(ctx context.Context, t *model.Tenant, in UploadInput) (*Result, error) {
	if err := p.unloaded(t, in.File); err != nil {
		return nil, err
	}
	v, err := p.validate(t, in.File)
	if err != nil {
		p.metrics.Uploads.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock := p.ledger.Lock(t.ID)
	defer unlock()

	d, err := p.ledger.CanUpload(ctx, t, int64(len(v.data)))
	if err != nil {
		p.metrics.Uploads.WithLabelValues("failed").Inc()
		return nil, apperr.Internal(err)
	}
	if !d.Allowed {
		return nil, p.rejected(t, d)
	}

	return p.store(ctx, t, v, in.Classification)
}

func (p *Pipeline) rejected(t *model.Tenant, d ledger.Decision) error {
	p.metrics.Uploads.WithLabelValues("rejected").Inc()
	if !d.Reasons.WithinMonthlyCount {
		p.metrics.QuotaRejections.WithLabelValues("monthly_count").Inc()
	}
	if !d.Reasons.WithinStorageBudget {
		p.metrics.QuotaRejections.WithLabelValues("storage_budget").Inc()
	}
	if !d.Reasons.WithinPerFileSizeLimit {
		p.metrics.QuotaRejections.WithLabelValues("per_file_size").Inc()
	}
	p.logger.Info().Str("tenant_id", t.ID).Interface("reasons", d.Reasons).Msg("upload rejected by quota")
	return apperr.QuotaExceeded("upload exceeds plan limits", d)
}

// validate checks declared type, sniffed content and filename. It performs
// no I/O.
func (p *Pipeline) validate(t *model.Tenant, f File) (*validated, error) {
	if len(f.Data) == 0 {
		return nil, apperr.Validation("file is empty")
	}
	name, err := SanitizeFilename(f.Filename, p.cfg.MaxFilenameLength)
	if err != nil {
		return nil, err
	}

	mime := strings.ToLower(strings.TrimSpace(f.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	declared, ok := model.FormatFromMIME(mime)
	if !ok {
		return nil, apperr.Validationf("unsupported content type %q, allowed: image/jpeg, image/png, image/webp", f.MimeType)
	}
	if !t.Settings.AllowsFormat(declared) {
		return nil, apperr.Validationf("format %q is not enabled for this application", declared)
	}

	info, err := imageproc.Inspect(f.Data)
	if err != nil {
		return nil, apperr.Validationf("file content is not a valid image: %v", err)
	}
	if err := imageproc.CheckPixels(info, p.cfg.MaxPixels); err != nil {
		return nil, apperr.Validationf("image is too large: %v", err)
	}
	if !t.Settings.AllowsFormat(info.Format) {
		return nil, apperr.Validationf("format %q is not enabled for this application", info.Format)
	}

	return &validated{originalName: name, info: info, data: f.Data}, nil
}

// checkFileSize enforces the per-file limit on paths that skip the full
// admission check.
func checkFileSize(t *model.Tenant, size int64) error {
	if size <= t.Limits.MaxFileSize {
		return nil
	}
	return apperr.QuotaExceeded("file exceeds the per-file size limit", ledger.Decision{
		Reasons: ledger.Reasons{WithinMonthlyCount: true, WithinStorageBudget: true, WithinPerFileSizeLimit: false},
		Remaining: ledger.Remaining{
			MonthlyRemaining: max(0, t.Limits.MaxImagesPerMonth-t.Usage.MonthlyUploads),
			StorageRemaining: max(0, t.Limits.MaxStorageBytes-t.Usage.TotalStorageUsed),
			MaxFileSize:      t.Limits.MaxFileSize,
		},
	})
}

// blobSet tracks handles written during one ingestion so they can be
// removed if the ingestion aborts.
type blobSet struct {
	keys []string
}

func (b *blobSet) cleanup(ctx context.Context, blobs storage.Storage, logger zerolog.Logger) {
	if len(b.keys) == 0 {
		return
	}
	if err := storage.DeleteAll(context.WithoutCancel(ctx), blobs, b.keys); err != nil {
		logger.Warn().Err(err).Strs("keys", b.keys).Msg("cleanup of aborted upload failed")
	}
}

// writeBlobs stores the original and every rendition under
// <tenantID>/<assetID>/. Variant failures degrade the manifest; only an
// original write failure or cancellation is returned.
func (p *Pipeline) writeBlobs(ctx context.Context, t *model.Tenant, assetID, stem string, v *validated, written *blobSet) (string, model.VariantManifest, error) {
	filename := stem + extension(v.info.Format)
	origKey := t.ID + "/" + assetID + "/" + filename

	n, err := p.blobs.Put(ctx, origKey, bytes.NewReader(v.data), int64(len(v.data)), v.info.Format.MIMEType())
	if err != nil {
		return "", nil, fmt.Errorf("store original: %w", err)
	}
	written.keys = append(written.keys, origKey)

	manifest := model.VariantManifest{
		model.SizeOriginal: {Handle: origKey, Size: n, Format: string(v.info.Format)},
	}

	renditions, err := p.engine.Generate(ctx, v.data, t.Settings.DefaultQuality)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", nil, ctxErr
	}
	if err != nil {
		p.metrics.VariantFailures.Inc()
		p.logger.Warn().Err(err).Str("tenant_id", t.ID).Str("asset_id", assetID).
			Int("generated", len(renditions)).Msg("variant generation degraded")
	}

	for _, size := range imageproc.Sizes {
		r, ok := renditions[size.Name]
		if !ok {
			continue
		}
		key := t.ID + "/" + assetID + "/" + size.Name + "-" + stem + extension(r.Format)
		n, err := p.blobs.Put(ctx, key, bytes.NewReader(r.Data), int64(len(r.Data)), r.Format.MIMEType())
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			p.metrics.VariantFailures.Inc()
			p.logger.Warn().Err(err).Str("asset_id", assetID).Str("size", size.Name).Msg("variant write failed")
			continue
		}
		written.keys = append(written.keys, key)
		w, h := r.Width, r.Height
		manifest[size.Name] = model.VariantEntry{Handle: key, Size: n, Width: &w, Height: &h, Format: string(r.Format)}
	}

	return filename, manifest, nil
}

// store performs the steps after admission: blobs, catalog row, ledger,
// token. Any failure before the catalog row exists removes the blobs.
func (p *Pipeline) store(ctx context.Context, t *model.Tenant, v *validated, c Classification) (*Result, error) {
	assetID := uuid.NewString()
	written := &blobSet{}

	filename, manifest, err := p.writeBlobs(ctx, t, assetID, uuid.NewString(), v, written)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		written.cleanup(ctx, p.blobs, p.logger)
		return nil, p.aborted(ctx, t, err)
	}

	now := p.now().UTC()
	category := strings.TrimSpace(c.Category)
	if category == "" {
		category = model.DefaultCategory
	}
	a := &model.Asset{
		ID:           assetID,
		TenantID:     t.ID,
		OriginalName: v.originalName,
		Filename:     filename,
		MimeType:     v.info.Format.MIMEType(),
		Size:         int64(len(v.data)),
		Width:        v.info.Width,
		Height:       v.info.Height,
		HasAlpha:     v.info.HasAlpha,
		Format:       string(v.info.Format),
		Category:     category,
		Tags:         normalizeTags(c.Tags),
		Alt:          c.Alt,
		Title:        c.Title,
		EntityID:     c.EntityID,
		EntityType:   c.EntityType,
		ProductID:    c.ProductID,
		IsPublic:     t.Settings.PublicAccess && model.IsPublicByDefault(c.EntityType, category, c.ProductID),
		Variants:     manifest,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := p.catalog.CreateAsset(ctx, a); err != nil {
		written.cleanup(ctx, p.blobs, p.logger)
		return nil, p.aborted(ctx, t, err)
	}

	// The row exists, so a ledger failure cannot be rolled back here; it is
	// logged for reconciliation rather than failing the upload.
	if err := p.ledger.RecordUpload(context.WithoutCancel(ctx), t, a.Size); err != nil {
		p.logger.Error().Err(err).Str("tenant_id", t.ID).Str("asset_id", a.ID).Int64("size", a.Size).Msg("ledger update failed after persist")
	}

	p.metrics.Uploads.WithLabelValues("stored").Inc()
	p.logger.Info().Str("tenant_id", t.ID).Str("asset_id", a.ID).Int64("size", a.Size).
		Bool("public", a.IsPublic).Int("variants", len(a.Variants)-1).Msg("asset stored")

	return p.result(a)
}

func (p *Pipeline) aborted(ctx context.Context, t *model.Tenant, err error) error {
	p.metrics.Uploads.WithLabelValues("failed").Inc()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Info().Str("tenant_id", t.ID).Err(err).Msg("upload cancelled")
		return apperr.Validation("upload cancelled")
	}
	p.logger.Error().Err(err).Str("tenant_id", t.ID).Msg("upload failed")
	return apperr.Internal(err)
}

// result mints the asset token and renders URLs.
func (p *Pipeline) result(a *model.Asset) (*Result, error) {
	tok, exp, err := p.tokens.IssueAsset(a.ID, a.TenantID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	r := &Result{Asset: a, Token: tok, TokenExpiresAt: &exp}
	if a.IsPublic {
		r.URL = p.links.Asset(a.ID, model.SizeOriginal, "")
		r.URLs = p.links.Sizes(a.ID, a.Variants, "")
	} else {
		r.SignedURL = p.links.Asset(a.ID, model.SizeOriginal, tok)
		r.URLs = p.links.Sizes(a.ID, a.Variants, tok)
	}
	return r, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
