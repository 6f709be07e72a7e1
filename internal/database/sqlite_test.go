package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leca/imagevault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTenant(id, name string) *model.Tenant {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Tenant{
		ID:         id,
		Name:       name,
		APIKey:     "ak_" + id,
		SecretHash: "hash",
		Plan:       model.PlanFree,
		Limits:     model.PlanFree.DefaultLimits(),
		Usage:      model.Usage{LastResetDate: now},
		Settings: model.Settings{
			PublicAccess:   true,
			DefaultQuality: 85,
			AllowedFormats: model.AllFormats,
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newAsset(id, tenantID string, created time.Time) *model.Asset {
	return &model.Asset{
		ID:           id,
		TenantID:     tenantID,
		OriginalName: "photo.png",
		Filename:     id + ".png",
		MimeType:     "image/png",
		Size:         1234,
		Width:        640,
		Height:       480,
		Format:       "png",
		Category:     model.DefaultCategory,
		Variants: model.VariantManifest{
			model.SizeOriginal: {Handle: tenantID + "/" + id + "/" + id + ".png", Size: 1234, Format: "png"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCreateAndGetTenant(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tn := newTenant("t-1", "acme")
	tn.Sessions = []model.Session{{ID: "s-1", ExpiresAt: tn.CreatedAt.Add(time.Hour)}}
	require.NoError(t, db.CreateTenant(ctx, tn))

	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Name)
	assert.Equal(t, model.PlanFree, got.Plan)
	assert.Equal(t, tn.Limits, got.Limits)
	assert.True(t, got.Settings.PublicAccess)
	assert.Equal(t, model.AllFormats, got.Settings.AllowedFormats)
	assert.True(t, got.Active)
	assert.True(t, tn.Usage.LastResetDate.Equal(got.Usage.LastResetDate))
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "s-1", got.Sessions[0].ID)

	byKey, err := db.GetTenantByAPIKey(ctx, "ak_t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", byKey.ID)

	_, err = db.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTenantDuplicateName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	err := db.CreateTenant(ctx, newTenant("t-2", "acme"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTenantSettingsAndActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))

	err := db.UpdateTenantSettings(ctx, "t-1", model.Settings{
		PublicAccess:   false,
		DefaultQuality: 70,
		AllowedFormats: []model.Format{model.FormatPNG},
	})
	require.NoError(t, err)
	require.NoError(t, db.SetTenantActive(ctx, "t-1", false))

	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, got.Settings.PublicAccess)
	assert.Equal(t, 70, got.Settings.DefaultQuality)
	assert.Equal(t, []model.Format{model.FormatPNG}, got.Settings.AllowedFormats)
	assert.False(t, got.Active)

	assert.ErrorIs(t, db.SetTenantActive(ctx, "nope", true), ErrNotFound)

	limits := model.Limits{MaxFileSize: 1, MaxImagesPerMonth: 2, MaxStorageBytes: 3}
	require.NoError(t, db.UpdateTenantLimits(ctx, "t-1", model.PlanBasic, limits))
	got, err = db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanBasic, got.Plan)
	assert.Equal(t, limits, got.Limits)
}

func TestSaveSessionsReplaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))

	exp := time.Now().Add(time.Hour)
	require.NoError(t, db.SaveSessions(ctx, "t-1", []model.Session{{ID: "a", ExpiresAt: exp}, {ID: "b", ExpiresAt: exp}}))
	require.NoError(t, db.SaveSessions(ctx, "t-1", []model.Session{{ID: "c", ExpiresAt: exp}}))

	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "c", got.Sessions[0].ID)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.IncrementUsage(ctx, "t-1", 100))
		}()
	}
	wg.Wait()

	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Usage.TotalImages)
	assert.Equal(t, int64(2000), got.Usage.TotalStorageUsed)
	assert.Equal(t, int64(20), got.Usage.MonthlyUploads)
}

func TestResetMonthlyUsageOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tn := newTenant("t-1", "acme")
	tn.Usage.LastResetDate = time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	tn.Usage.MonthlyUploads = 7
	tn.Usage.TotalImages = 7
	require.NoError(t, db.CreateTenant(ctx, tn))

	now := time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC)
	done, err := db.ResetMonthlyUsage(ctx, "t-1", tn.Usage.LastResetDate, now)
	require.NoError(t, err)
	assert.True(t, done)

	// stale prev is a no-op
	done, err = db.ResetMonthlyUsage(ctx, "t-1", tn.Usage.LastResetDate, now)
	require.NoError(t, err)
	assert.False(t, done)

	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage.MonthlyUploads)
	assert.Equal(t, int64(7), got.Usage.TotalImages)
	assert.True(t, now.Equal(got.Usage.LastResetDate))
}

func TestCreateAndGetAsset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))

	w, h := 150, 113
	a := newAsset("a-1", "t-1", time.Now().UTC())
	a.Tags = []string{"red", "sale"}
	a.HasAlpha = true
	a.Variants[model.SizeThumbnail] = model.VariantEntry{Handle: "t-1/a-1/thumbnail-a-1.jpg", Size: 99, Width: &w, Height: &h, Format: "jpeg"}
	require.NoError(t, db.CreateAsset(ctx, a))

	got, err := db.GetAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.TenantID)
	assert.Equal(t, []string{"red", "sale"}, got.Tags)
	assert.True(t, got.HasAlpha)
	assert.Nil(t, got.LastAccessedAt)
	require.Contains(t, got.Variants, model.SizeThumbnail)
	assert.Equal(t, 150, *got.Variants[model.SizeThumbnail].Width)
	assert.Nil(t, got.Variants[model.SizeOriginal].Width)

	_, err = db.GetAsset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAssetsFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-2", "globex")))

	base := time.Now().UTC()
	for i := 0; i < 12; i++ {
		a := newAsset(fmt.Sprintf("a-%02d", i), "t-1", base.Add(time.Duration(i)*time.Second))
		if i%3 == 0 {
			a.Category = "product"
			a.Tags = []string{"featured"}
		}
		require.NoError(t, db.CreateAsset(ctx, a))
	}
	require.NoError(t, db.CreateAsset(ctx, newAsset("other", "t-2", base)))
	require.NoError(t, db.SoftDeleteAsset(ctx, "t-1", "a-11", base))

	all, total, err := db.ListAssets(ctx, "t-1", AssetFilter{Page: 1, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 11, total)
	require.Len(t, all, 5)
	assert.Equal(t, "a-10", all[0].ID, "newest first, deleted excluded")

	page3, _, err := db.ListAssets(ctx, "t-1", AssetFilter{Page: 3, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	products, total, err := db.ListAssets(ctx, "t-1", AssetFilter{Category: "product"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, products, 4)

	featured, total, err := db.ListAssets(ctx, "t-1", AssetFilter{Tag: "featured"})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, featured, 4)
}

func TestUpdateAssetMetadata(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	a := newAsset("a-1", "t-1", time.Now().UTC())
	require.NoError(t, db.CreateAsset(ctx, a))

	a.Category = "personal"
	a.Tags = []string{"me"}
	a.Alt = "portrait"
	a.IsPublic = true
	require.NoError(t, db.UpdateAssetMetadata(ctx, a))

	got, err := db.GetAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "personal", got.Category)
	assert.Equal(t, []string{"me"}, got.Tags)
	assert.Equal(t, "portrait", got.Alt)
	assert.True(t, got.IsPublic)

	// wrong tenant
	a.TenantID = "t-2"
	assert.ErrorIs(t, db.UpdateAssetMetadata(ctx, a), ErrNotFound)
}

func TestReplaceAssetArchivesVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	a := newAsset("a-1", "t-1", time.Now().UTC())
	require.NoError(t, db.CreateAsset(ctx, a))

	prev := model.AssetVersion{
		Filename:   a.Filename,
		Handle:     a.OriginalHandle(),
		Variants:   a.Variants,
		ArchivedAt: time.Now().UTC(),
	}
	a.Filename = "new.jpg"
	a.MimeType = "image/jpeg"
	a.Format = "jpeg"
	a.Size = 999
	a.Variants = model.VariantManifest{model.SizeOriginal: {Handle: "t-1/a-1/new.jpg", Size: 999, Format: "jpeg"}}
	require.NoError(t, db.ReplaceAsset(ctx, a, prev))
	require.NoError(t, db.ReplaceAsset(ctx, a, model.AssetVersion{Filename: "new.jpg", Handle: "t-1/a-1/new.jpg", ArchivedAt: time.Now().UTC()}))

	got, err := db.GetAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "new.jpg", got.Filename)
	assert.Equal(t, int64(999), got.Size)

	versions, err := db.ListVersions(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "a-1.png", versions[0].Filename)
	assert.Equal(t, "t-1/a-1/a-1.png", versions[0].Handle)
	assert.Equal(t, "new.jpg", versions[1].Filename)
}

func TestRecordAccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	require.NoError(t, db.CreateAsset(ctx, newAsset("a-1", "t-1", time.Now().UTC())))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.RecordAccess(ctx, "a-1", time.Now()))
		}()
	}
	wg.Wait()

	got, err := db.GetAsset(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.AccessCount)
	assert.NotNil(t, got.LastAccessedAt)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.CreateTenant(ctx, newTenant("t-1", "acme")))
	require.NoError(t, db.CreateAsset(ctx, newAsset("a-1", "t-1", time.Now().UTC())))
	require.NoError(t, db.CreateAsset(ctx, newAsset("a-2", "t-1", time.Now().UTC())))

	deletedAt := time.Now().UTC().Add(-10 * time.Minute)
	assert.ErrorIs(t, db.SoftDeleteAsset(ctx, "t-2", "a-1", deletedAt), ErrNotFound)
	require.NoError(t, db.SoftDeleteAsset(ctx, "t-1", "a-1", deletedAt))
	assert.ErrorIs(t, db.SoftDeleteAsset(ctx, "t-1", "a-1", deletedAt), ErrNotFound)
	require.NoError(t, db.SoftDeleteAsset(ctx, "t-1", "a-2", time.Now().UTC()))

	_, err := db.GetAsset(ctx, "a-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.RecordAccess(ctx, "a-1", time.Now()), ErrNotFound)

	purgeable, err := db.ListPurgeable(ctx, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, purgeable, 1)
	assert.Equal(t, "a-1", purgeable[0].ID)
	assert.True(t, purgeable[0].Deleted)

	require.NoError(t, db.MarkPurged(ctx, "a-1", time.Now()))
	purgeable, err = db.ListPurgeable(ctx, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, purgeable)
}
