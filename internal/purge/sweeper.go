// Package purge removes the blobs of soft-deleted assets once their grace
// period has passed.
package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/leca/imagevault/internal/config"
	"github.com/leca/imagevault/internal/metrics"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/storage"
)

// Store is the slice of the database the sweeper needs.
type Store interface {
	ListPurgeable(ctx context.Context, deletedBefore time.Time, limit int) ([]*model.Asset, error)
	MarkPurged(ctx context.Context, id string, at time.Time) error
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Purged  int
	Failed  int
}

// Sweeper purges in batches. Progress lives in the catalog (purged_at), so
// a restart resumes where the last sweep stopped.
type Sweeper struct {
	store   Store
	blobs   storage.Storage
	cfg     config.Purge
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger

	scheduler gocron.Scheduler
}

func NewSweeper(store Store, blobs storage.Storage, cfg config.Purge, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		blobs:   blobs,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce purges every asset deleted at least Grace ago, up to BatchSize.
// A failed blob deletion leaves the asset pending for the next sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	limit := s.cfg.BatchSize
	if limit <= 0 {
		limit = 100
	}
	now := s.now().UTC()

	assets, err := s.store.ListPurgeable(ctx, now.Add(-s.cfg.Grace), limit)
	if err != nil {
		return Report{}, fmt.Errorf("list purgeable: %w", err)
	}

	r := Report{Scanned: len(assets)}
	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if err := storage.DeleteAll(ctx, s.blobs, a.AllHandles()); err != nil {
			r.Failed++
			s.metrics.PurgeFailures.Inc()
			s.logger.Warn().Err(err).Str("asset_id", a.ID).Msg("purge blob deletion failed, will retry")
			continue
		}
		if err := s.store.MarkPurged(ctx, a.ID, now); err != nil {
			r.Failed++
			s.metrics.PurgeFailures.Inc()
			s.logger.Error().Err(err).Str("asset_id", a.ID).Msg("mark purged failed")
			continue
		}
		r.Purged++
		s.metrics.PurgedAssets.Inc()
		s.logger.Debug().Str("asset_id", a.ID).Str("tenant_id", a.TenantID).Msg("asset purged")
	}

	if r.Scanned > 0 {
		s.logger.Info().Int("scanned", r.Scanned).Int("purged", r.Purged).Int("failed", r.Failed).Msg("purge sweep finished")
	}
	return r, nil
}

// Start schedules RunOnce every SweepInterval until ctx is done or Stop is
// called. Overlapping sweeps are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("purge sweep failed")
			}
		}),
		gocron.WithName("purge"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule purge: %w", err)
	}

	s.scheduler = sched
	sched.Start()
	s.logger.Info().Dur("interval", interval).Dur("grace", s.cfg.Grace).Msg("purge sweeper started")
	return nil
}

// Stop waits for a running sweep and stops the schedule.
func (s *Sweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	s.logger.Info().Msg("stopping purge sweeper")
	return s.scheduler.Shutdown()
}
