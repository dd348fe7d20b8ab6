// Package retention prunes raw telemetry and state history and repairs implausible timestamps.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/config"
	"signalwatch/internal/metrics"
	"signalwatch/internal/storage"
)

// ErrPassInProgress is returned when a pass is requested while another is running.
var ErrPassInProgress = errors.New("maintenance pass already running")

// Store is the persistence used by a pass.
type Store interface {
	InTx(ctx context.Context, fn func(*storage.Tx) error) error
	Vacuum(ctx context.Context) error
}

// Archiver copies raw telemetry elsewhere before it is deleted.
type Archiver interface {
	ArchiveTelemetry(ctx context.Context, records []storage.TelemetryRecord) error
}

// Options configures a pass.
type Options struct {
	Window          time.Duration // Raw telemetry and state history kept.
	Epoch           time.Time     // Timestamps before this are implausible.
	FutureSkew      time.Duration // Timestamps further than this ahead of now are implausible.
	VacuumThreshold int64         // VACUUM after a pass deleting more rows than this.
	ArchiveBatch    int
}

// OptionsFrom converts the retention configuration section.
func OptionsFrom(c config.RetentionConfig) (Options, error) {
	epoch, err := c.Epoch()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Window:          c.Window,
		Epoch:           epoch,
		FutureSkew:      c.FutureSkew,
		VacuumThreshold: int64(c.VacuumThreshold),
		ArchiveBatch:    10000,
	}, nil
}

// PassResult counts what one pass changed.
type PassResult struct {
	TelemetryArchived int64         `json:"telemetry_archived"`
	TelemetryDeleted  int64         `json:"telemetry_deleted"`
	FixturesRepaired  int           `json:"fixtures_repaired"`
	RepairDeleted     int64         `json:"repair_deleted"`
	StatesPruned      int64         `json:"states_pruned"`
	InvalidStates     int64         `json:"invalid_states"`
	InvalidStats      int64         `json:"invalid_stats"`
	Vacuumed          bool          `json:"vacuumed"`
	Took              time.Duration `json:"took"`
}

// Deleted is the total number of rows removed.
func (r PassResult) Deleted() int64 {
	return r.TelemetryDeleted + r.RepairDeleted + r.StatesPruned + r.InvalidStates + r.InvalidStats
}

// Scheduler runs maintenance passes. It is idle or running; a pass never overlaps another.
type Scheduler struct {
	db      Store
	archive Archiver
	opts    Options
	log     *zap.Logger
	now     func() time.Time

	running atomic.Bool
}

// New creates a scheduler. archive may be nil.
func New(db Store, archive Archiver, opts Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ArchiveBatch <= 0 {
		opts.ArchiveBatch = 10000
	}
	return &Scheduler{
		db:      db,
		archive: archive,
		opts:    opts,
		log:     log.With(zap.String("component", "retention")),
		now:     time.Now,
	}
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Tick runs a pass and logs the outcome. It is the cron entry point.
func (s *Scheduler) Tick(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.log.Debug("maintenance tick skipped, pass in progress")
	case err != nil:
		s.log.Error("maintenance pass failed", zap.Error(err))
	default:
		s.log.Info("maintenance pass complete",
			zap.Int64("telemetry_archived", res.TelemetryArchived),
			zap.Int64("telemetry_deleted", res.TelemetryDeleted),
			zap.Int("fixtures_repaired", res.FixturesRepaired),
			zap.Int64("states_pruned", res.StatesPruned),
			zap.Int64("invalid_states", res.InvalidStates),
			zap.Int64("invalid_stats", res.InvalidStats),
			zap.Bool("vacuumed", res.Vacuumed),
			zap.Duration("took", res.Took))
	}
}

// RunOnce executes one pass inside a single transaction. On error nothing is changed.
func (s *Scheduler) RunOnce(ctx context.Context) (PassResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.MaintenancePasses.WithLabelValues("skipped").Inc()
		return PassResult{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	now := s.now()
	var res PassResult

	err := s.db.InTx(ctx, func(tx *storage.Tx) error {
		res = PassResult{}
		return s.pass(ctx, tx, now, &res)
	})
	res.Took = time.Since(start)
	metrics.MaintenanceLatency.Observe(res.Took.Seconds())

	if err != nil {
		metrics.MaintenancePasses.WithLabelValues("error").Inc()
		return PassResult{}, err
	}

	metrics.MaintenancePasses.WithLabelValues("ok").Inc()
	metrics.MaintenanceDeleted.WithLabelValues("telemetry").Add(float64(res.TelemetryDeleted))
	metrics.MaintenanceDeleted.WithLabelValues("fixture_states").Add(float64(res.RepairDeleted + res.StatesPruned + res.InvalidStates))
	metrics.MaintenanceDeleted.WithLabelValues("transition_stats").Add(float64(res.InvalidStats))

	if res.Deleted() > s.opts.VacuumThreshold {
		if err := s.db.Vacuum(ctx); err != nil {
			// The pass itself committed; only space reclamation failed.
			s.log.Warn("vacuum failed", zap.Error(err))
		} else {
			res.Vacuumed = true
		}
	}
	return res, nil
}

func (s *Scheduler) pass(ctx context.Context, tx *storage.Tx, now time.Time, res *PassResult) error {
	cutoff := now.Add(-s.opts.Window).Unix()

	var err error
	if s.archive != nil {
		if err := s.archiveExpired(ctx, tx, cutoff, res); err != nil {
			return err
		}
	} else if res.TelemetryDeleted, err = tx.DeleteTelemetryBefore(ctx, cutoff); err != nil {
		return err
	}

	if res.InvalidStates, err = tx.DeleteInvalidStates(ctx); err != nil {
		return err
	}
	if res.InvalidStats, err = tx.DeleteInvalidStats(ctx); err != nil {
		return err
	}

	floor := s.opts.Epoch.Unix()
	if s.opts.Epoch.IsZero() {
		floor = 1
	}
	ceiling := now.Add(s.opts.FutureSkew).Unix()
	bad, err := tx.ImplausibleFixtures(ctx, floor, ceiling)
	if err != nil {
		return err
	}
	for _, fixtureID := range bad {
		n, err := tx.CollapseFixture(ctx, fixtureID, now.Unix())
		if err != nil {
			return err
		}
		res.RepairDeleted += n
		s.log.Info("collapsed implausible fixture history",
			zap.Int64("fixture_id", fixtureID), zap.Int64("rows_removed", n))
	}
	res.FixturesRepaired = len(bad)

	stateCutoff := now.Add(-s.opts.Window).Unix()
	if res.StatesPruned, err = tx.PruneStatesBefore(ctx, stateCutoff); err != nil {
		return err
	}
	return nil
}

// archiveExpired copies expired telemetry to the archive batch by batch, deleting each batch once it
// is archived, until a short batch shows nothing is left.
func (s *Scheduler) archiveExpired(ctx context.Context, tx *storage.Tx, cutoff int64, res *PassResult) error {
	for {
		old, err := tx.TelemetryBefore(ctx, cutoff, s.opts.ArchiveBatch)
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return nil
		}
		if err := s.archive.ArchiveTelemetry(ctx, old); err != nil {
			return fmt.Errorf("archive telemetry: %w", err)
		}
		n, err := tx.DeleteTelemetryThrough(ctx, cutoff, old[len(old)-1].ID)
		if err != nil {
			return err
		}
		res.TelemetryArchived += int64(len(old))
		res.TelemetryDeleted += n
		if len(old) < s.opts.ArchiveBatch {
			return nil
		}
	}
}
