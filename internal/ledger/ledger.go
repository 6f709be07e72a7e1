// Package ledger enforces per-tenant upload quotas and maintains usage
// counters.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/leca/imagevault/internal/model"
)

// Store is the slice of the database the ledger needs.
type Store interface {
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	ResetMonthlyUsage(ctx context.Context, tenantID string, prev, now time.Time) (bool, error)
	IncrementUsage(ctx context.Context, tenantID string, size int64) error
}

// Reasons itemizes each quota check of a Decision.
type Reasons struct {
	WithinMonthlyCount     bool `json:"withinMonthlyCount"`
	WithinStorageBudget    bool `json:"withinStorageBudget"`
	WithinPerFileSizeLimit bool `json:"withinPerFileSizeLimit"`
}

// Remaining reports headroom at decision time.
type Remaining struct {
	MonthlyRemaining int64 `json:"monthlyRemaining"`
	StorageRemaining int64 `json:"storageRemaining"`
	MaxFileSize      int64 `json:"maxFileSize"`
}

// Decision is the outcome of an admission check. A denial is a normal
// result, not an error.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reasons   Reasons   `json:"reasons"`
	Remaining Remaining `json:"remaining"`
}

// Ledger answers admission questions and records completed uploads.
type Ledger struct {
	store  Store
	strict bool
	locks  keyedMutex
	now    func() time.Time
	logger zerolog.Logger
}

// New returns a Ledger. With strict set, Lock serializes admission and
// persistence per tenant so concurrent uploads cannot overshoot a quota.
func New(store Store, strict bool, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		strict: strict,
		locks:  keyedMutex{locks: map[string]*refLock{}},
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Lock holds the tenant's admission lock in strict mode and returns the
// matching unlock. Outside strict mode it is a no-op.
func (l *Ledger) Lock(tenantID string) func() {
	if !l.strict {
		return func() {}
	}
	return l.locks.Lock(tenantID)
}

// CanUpload decides whether one file of size bytes may be admitted. The
// tenant's usage is refreshed from the store and the monthly reset applied
// first.
func (l *Ledger) CanUpload(ctx context.Context, t *model.Tenant, size int64) (Decision, error) {
	return l.CanUploadBatch(ctx, t, []int64{size})
}

// CanUploadBatch is the coarse bulk check: the whole batch counts against
// the monthly and storage budgets, and the largest file against the
// per-file limit.
func (l *Ledger) CanUploadBatch(ctx context.Context, t *model.Tenant, sizes []int64) (Decision, error) {
	if err := l.refresh(ctx, t); err != nil {
		return Decision{}, err
	}
	if err := l.ResetMonthlyIfDue(ctx, t); err != nil {
		return Decision{}, err
	}

	var total, largest int64
	for _, s := range sizes {
		total += s
		largest = max(largest, s)
	}
	return evaluate(t.Limits, t.Usage, int64(len(sizes)), total, largest), nil
}

func evaluate(limits model.Limits, usage model.Usage, count, bytes, largest int64) Decision {
	r := Reasons{
		WithinMonthlyCount:     usage.MonthlyUploads+count <= limits.MaxImagesPerMonth,
		WithinStorageBudget:    usage.TotalStorageUsed+bytes <= limits.MaxStorageBytes,
		WithinPerFileSizeLimit: largest <= limits.MaxFileSize,
	}
	return Decision{
		Allowed: r.WithinMonthlyCount && r.WithinStorageBudget && r.WithinPerFileSizeLimit,
		Reasons: r,
		Remaining: Remaining{
			MonthlyRemaining: max(0, limits.MaxImagesPerMonth-usage.MonthlyUploads),
			StorageRemaining: max(0, limits.MaxStorageBytes-usage.TotalStorageUsed),
			MaxFileSize:      limits.MaxFileSize,
		},
	}
}

// RecordUpload increments total images, total storage and monthly uploads
// in one statement and mirrors the change on t.
func (l *Ledger) RecordUpload(ctx context.Context, t *model.Tenant, size int64) error {
	if err := l.ResetMonthlyIfDue(ctx, t); err != nil {
		return err
	}
	if err := l.store.IncrementUsage(ctx, t.ID, size); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	t.Usage.TotalImages++
	t.Usage.TotalStorageUsed += size
	t.Usage.MonthlyUploads++
	return nil
}

// ResetMonthlyIfDue zeroes MonthlyUploads when the UTC calendar month of
// LastResetDate differs from now. Only the monthly counter is touched.
func (l *Ledger) ResetMonthlyIfDue(ctx context.Context, t *model.Tenant) error {
	now := l.now().UTC()
	if !resetDue(t.Usage.LastResetDate, now) {
		return nil
	}

	done, err := l.store.ResetMonthlyUsage(ctx, t.ID, t.Usage.LastResetDate, now)
	if err != nil {
		return err
	}
	if !done {
		// A concurrent caller reset first.
		return l.refresh(ctx, t)
	}

	l.logger.Debug().Str("tenant_id", t.ID).Int64("monthly_uploads", t.Usage.MonthlyUploads).Msg("monthly usage reset")
	t.Usage.MonthlyUploads = 0
	t.Usage.LastResetDate = now
	return nil
}

func resetDue(last, now time.Time) bool {
	last = last.UTC()
	return last.Year() != now.Year() || last.Month() != now.Month()
}

func (l *Ledger) refresh(ctx context.Context, t *model.Tenant) error {
	fresh, err := l.store.GetTenant(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("load tenant usage: %w", err)
	}
	t.Usage = fresh.Usage
	t.Limits = fresh.Limits
	return nil
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
