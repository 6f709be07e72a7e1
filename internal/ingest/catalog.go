package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/leca/imagevault/internal/apperr"
	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/model"
)

// MetadataPatch changes classification fields. Nil fields are left as they
// are.
type MetadataPatch struct {
	Category   *string
	Tags       []string
	Alt        *string
	Title      *string
	EntityID   *string
	EntityType *string
	ProductID  *string
	IsPublic   *bool
}

// UpdateMetadata applies p to an asset owned by t. Visibility is only
// changed when IsPublic is set explicitly; it is not re-derived from the
// new classification.
func (p *Pipeline) UpdateMetadata(ctx context.Context, t *model.Tenant, id string, patch MetadataPatch) (*model.Asset, error) {
	a, err := p.owned(ctx, t, id)
	if err != nil {
		return nil, err
	}

	if patch.Category != nil {
		a.Category = strings.TrimSpace(*patch.Category)
		if a.Category == "" {
			a.Category = model.DefaultCategory
		}
	}
	if patch.Tags != nil {
		a.Tags = normalizeTags(patch.Tags)
	}
	setString(&a.Alt, patch.Alt)
	setString(&a.Title, patch.Title)
	setString(&a.EntityID, patch.EntityID)
	setString(&a.EntityType, patch.EntityType)
	setString(&a.ProductID, patch.ProductID)
	if patch.IsPublic != nil {
		if *patch.IsPublic && !t.Settings.PublicAccess {
			return nil, apperr.Validation("public access is disabled for this application")
		}
		a.IsPublic = *patch.IsPublic
	}
	a.UpdatedAt = p.now().UTC()

	err = p.catalog.UpdateAssetMetadata(ctx, a)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NotFound("image not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Page is one page of a catalog listing.
type Page struct {
	Images []*model.Asset `json:"images"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}

// List returns t's live assets, newest first.
func (p *Pipeline) List(ctx context.Context, t *model.Tenant, f database.AssetFilter) (*Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
	assets, total, err := p.catalog.ListAssets(ctx, t.ID, f)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if assets == nil {
		assets = []*model.Asset{}
	}
	return &Page{Images: assets, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// Versions returns the archived versions of an asset owned by t, oldest
// first.
func (p *Pipeline) Versions(ctx context.Context, t *model.Tenant, id string) ([]model.AssetVersion, error) {
	if _, err := p.owned(ctx, t, id); err != nil {
		return nil, err
	}
	versions, err := p.catalog.ListVersions(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if versions == nil {
		versions = []model.AssetVersion{}
	}
	return versions, nil
}
