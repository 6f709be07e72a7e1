package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/model"
)

// owned loads a live asset and checks that t owns it.
func (p *Pipeline) owned(ctx context.Context, t *model.Tenant, id string) (*model.Asset, error) {
	a, err := p.catalog.GetAsset(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("image not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if a.TenantID != t.ID {
		return nil, apperr.Forbidden("image belongs to another application")
	}
	return a, nil
}

// Replace swaps the bytes of an existing asset. The previous filename,
// handle and manifest are archived as a version and stay in storage until
// the asset is purged. The asset id, classification and visibility are
// kept; usage counters are not touched.
func (p *Pipeline) Replace(ctx context.Context, t *model.Tenant, id string, f File) (*Result, error) {
	a, err := p.owned(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if err := p.unloaded(t, f); err != nil {
		return nil, err
	}
	v, err := p.validate(t, f)
	if err != nil {
		return nil, err
	}
	if err := checkFileSize(t, int64(len(v.data))); err != nil {
		return nil, err
	}

	written := &blobSet{}
	filename, manifest, err := p.writeBlobs(ctx, t, a.ID, uuid.NewString(), v, written)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		written.cleanup(ctx, p.blobs, p.logger)
		return nil, p.aborted(ctx, t, err)
	}

	now := p.now().UTC()
	prev := model.AssetVersion{
		Filename:   a.Filename,
		Handle:     a.OriginalHandle(),
		Variants:   a.Variants,
		ArchivedAt: now,
	}
	a.OriginalName = v.originalName
	a.Filename = filename
	a.MimeType = v.info.Format.MIMEType()
	a.Size = int64(len(v.data))
	a.Width = v.info.Width
	a.Height = v.info.Height
	a.HasAlpha = v.info.HasAlpha
	a.Format = string(v.info.Format)
	a.Variants = manifest
	a.UpdatedAt = now

	if err := p.catalog.ReplaceAsset(ctx, a, prev); err != nil {
		written.cleanup(ctx, p.blobs, p.logger)
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("image not found")
		}
		return nil, p.aborted(ctx, t, err)
	}

	p.logger.Info().Str("tenant_id", t.ID).Str("asset_id", a.ID).Str("archived", prev.Filename).Msg("asset replaced")
	return p.result(a)
}

// Delete soft-deletes an asset. Blobs are removed later by the purge
// sweeper.
func (p *Pipeline) Delete(ctx context.Context, t *model.Tenant, id string) error {
	if _, err := p.owned(ctx, t, id); err != nil {
		return err
	}
	err := p.catalog.SoftDeleteAsset(ctx, t.ID, id, p.now().UTC())
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("image not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	p.logger.Info().Str("tenant_id", t.ID).Str("asset_id", id).Msg("asset deleted")
	return nil
}
