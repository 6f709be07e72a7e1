package database

import (
	"context"
	"errors"
	"time"

	"github.com/leca/imagevault/internal/model"
)

var (
	// ErrNotFound is returned when a lookup or update matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated.
	ErrConflict = errors.New("already exists")
)

// AssetFilter narrows a catalog listing. Page is 1-based.
type AssetFilter struct {
	Category string
	Tag      string
	Page     int
	Limit    int
}

// Database defines the persistence interface for tenants and assets.
type Database interface {
	// Tenants
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	UpdateTenantSettings(ctx context.Context, id string, s model.Settings) error
	UpdateTenantLimits(ctx context.Context, id string, plan model.Plan, limits model.Limits) error
	SetTenantActive(ctx context.Context, id string, active bool) error
	SaveSessions(ctx context.Context, tenantID string, sessions []model.Session) error

	// Ledger counters
	ResetMonthlyUsage(ctx context.Context, tenantID string, prev, now time.Time) (bool, error)
	IncrementUsage(ctx context.Context, tenantID string, size int64) error

	// Assets
	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context, tenantID string, f AssetFilter) ([]*model.Asset, int, error)
	UpdateAssetMetadata(ctx context.Context, a *model.Asset) error
	ReplaceAsset(ctx context.Context, a *model.Asset, prev model.AssetVersion) error
	SoftDeleteAsset(ctx context.Context, tenantID, id string, at time.Time) error
	RecordAccess(ctx context.Context, id string, at time.Time) error
	ListVersions(ctx context.Context, assetID string) ([]model.AssetVersion, error)

	// Purge
	ListPurgeable(ctx context.Context, deletedBefore time.Time, limit int) ([]*model.Asset, error)
	MarkPurged(ctx context.Context, id string, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}
