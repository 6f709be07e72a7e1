package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leca/imagevault/internal/database"
	"github.com/leca/imagevault/internal/logger"
	"github.com/leca/imagevault/internal/model"
)

func setup(t *testing.T, limits model.Limits, usage model.Usage) (*database.SQLiteDB, *model.Tenant) {
	t.Helper()
	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tn := &model.Tenant{
		ID:         "t-1",
		Name:       "acme",
		APIKey:     "ak_1",
		SecretHash: "x",
		Plan:       model.PlanFree,
		Limits:     limits,
		Usage:      usage,
		Active:     true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, db.CreateTenant(context.Background(), tn))
	return db, tn
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

var march = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func TestCanUploadAllowed(t *testing.T) {
	db, tn := setup(t, model.PlanFree.DefaultLimits(), model.Usage{LastResetDate: march})
	l := New(db, false, logger.Nop()).WithClock(fixedClock(march))

	d, err := l.CanUpload(context.Background(), tn, 1024)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, Reasons{true, true, true}, d.Reasons)
	assert.Equal(t, int64(100), d.Remaining.MonthlyRemaining)
	assert.Equal(t, int64(5<<20), d.Remaining.MaxFileSize)
}

func TestCanUploadDenials(t *testing.T) {
	limits := model.Limits{MaxFileSize: 100, MaxImagesPerMonth: 2, MaxStorageBytes: 1000}

	t.Run("monthly count", func(t *testing.T) {
		db, tn := setup(t, limits, model.Usage{MonthlyUploads: 2, TotalImages: 2, LastResetDate: march})
		l := New(db, false, logger.Nop()).WithClock(fixedClock(march))

		d, err := l.CanUpload(context.Background(), tn, 10)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.False(t, d.Reasons.WithinMonthlyCount)
		assert.True(t, d.Reasons.WithinStorageBudget)
		assert.Equal(t, int64(0), d.Remaining.MonthlyRemaining)
	})

	t.Run("storage budget", func(t *testing.T) {
		db, tn := setup(t, limits, model.Usage{TotalStorageUsed: 950, LastResetDate: march})
		l := New(db, false, logger.Nop()).WithClock(fixedClock(march))

		d, err := l.CanUpload(context.Background(), tn, 51)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.False(t, d.Reasons.WithinStorageBudget)
		assert.Equal(t, int64(50), d.Remaining.StorageRemaining)
	})

	t.Run("per file size", func(t *testing.T) {
		db, tn := setup(t, limits, model.Usage{LastResetDate: march})
		l := New(db, false, logger.Nop()).WithClock(fixedClock(march))

		d, err := l.CanUpload(context.Background(), tn, 101)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.False(t, d.Reasons.WithinPerFileSizeLimit)
		assert.True(t, d.Reasons.WithinMonthlyCount)
	})
}

func TestCanUploadBatch(t *testing.T) {
	limits := model.Limits{MaxFileSize: 100, MaxImagesPerMonth: 5, MaxStorageBytes: 1000}
	db, tn := setup(t, limits, model.Usage{MonthlyUploads: 3, LastResetDate: march})
	l := New(db, false, logger.Nop()).WithClock(fixedClock(march))
	ctx := context.Background()

	d, err := l.CanUploadBatch(ctx, tn, []int64{10, 20})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.CanUploadBatch(ctx, tn, []int64{10, 20, 30})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.Reasons.WithinMonthlyCount)

	d, err = l.CanUploadBatch(ctx, tn, []int64{10, 200})
	require.NoError(t, err)
	assert.False(t, d.Reasons.WithinPerFileSizeLimit)
}

func TestRecordUpload(t *testing.T) {
	db, tn := setup(t, model.PlanFree.DefaultLimits(), model.Usage{LastResetDate: march})
	l := New(db, false, logger.Nop()).WithClock(fixedClock(march))
	ctx := context.Background()

	require.NoError(t, l.RecordUpload(ctx, tn, 500))
	require.NoError(t, l.RecordUpload(ctx, tn, 250))

	assert.Equal(t, int64(2), tn.Usage.MonthlyUploads)

	got, err := db.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Usage.TotalImages)
	assert.Equal(t, int64(750), got.Usage.TotalStorageUsed)
	assert.Equal(t, int64(2), got.Usage.MonthlyUploads)
}

func TestMonthlyResetZeroesOnlyMonthly(t *testing.T) {
	feb := time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)
	db, tn := setup(t, model.Limits{MaxFileSize: 100, MaxImagesPerMonth: 1, MaxStorageBytes: 10000},
		model.Usage{TotalImages: 9, TotalStorageUsed: 900, MonthlyUploads: 1, LastResetDate: feb})
	ctx := context.Background()

	// still February: denied
	l := New(db, false, logger.Nop()).WithClock(fixedClock(feb.Add(30 * time.Second)))
	d, err := l.CanUpload(ctx, tn, 10)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// first touch in March resets
	l.WithClock(fixedClock(march))
	d, err = l.CanUpload(ctx, tn, 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	got, err := db.GetTenant(ctx, tn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage.MonthlyUploads)
	assert.Equal(t, int64(9), got.Usage.TotalImages)
	assert.Equal(t, int64(900), got.Usage.TotalStorageUsed)
	assert.True(t, march.Equal(got.Usage.LastResetDate))
}

func TestResetSameMonthDifferentYear(t *testing.T) {
	lastYear := march.AddDate(-1, 0, 0)
	db, tn := setup(t, model.PlanFree.DefaultLimits(), model.Usage{MonthlyUploads: 42, LastResetDate: lastYear})
	l := New(db, false, logger.Nop()).WithClock(fixedClock(march))

	require.NoError(t, l.ResetMonthlyIfDue(context.Background(), tn))
	assert.Equal(t, int64(0), tn.Usage.MonthlyUploads)
}

func TestStrictModeNeverOvershoots(t *testing.T) {
	const limit = 3
	db, _ := setup(t, model.Limits{MaxFileSize: 100, MaxImagesPerMonth: limit, MaxStorageBytes: 1 << 20},
		model.Usage{LastResetDate: march})
	l := New(db, true, logger.Nop()).WithClock(fixedClock(march))
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tn, err := db.GetTenant(ctx, "t-1")
			if !assert.NoError(t, err) {
				return
			}

			unlock := l.Lock(tn.ID)
			defer unlock()
			d, err := l.CanUpload(ctx, tn, 10)
			if !assert.NoError(t, err) || !d.Allowed {
				return
			}
			if assert.NoError(t, l.RecordUpload(ctx, tn, 10)) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
	got, err := db.GetTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.Usage.MonthlyUploads)
}

func TestKeyedMutexForgetsKeys(t *testing.T) {
	k := keyedMutex{locks: map[string]*refLock{}}
	unlock := k.Lock("a")
	assert.Len(t, k.locks, 1)
	unlock()
	assert.Empty(t, k.locks)
}
