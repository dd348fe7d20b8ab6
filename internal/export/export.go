// Package export copies locally maintained transition statistics to the shared Postgres database.
package export

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/metrics"
	"signalwatch/internal/storage"
)

// Source is the local statistics table.
type Source interface {
	UnsyncedStats(ctx context.Context, limit int) ([]storage.TransitionStat, error)
	MarkStatsSynced(ctx context.Context, stats []storage.TransitionStat, at int64) error
}

// Sink receives exported statistics.
type Sink interface {
	UpsertTransitionStats(ctx context.Context, site string, stats []storage.TransitionStat) error
}

// Job pushes statistics changed since the previous run, in batches, until none remain.
type Job struct {
	src   Source
	sink  Sink
	site  string
	batch int
	log   *zap.Logger
	now   func() time.Time
}

func New(src Source, sink Sink, site string, batch int, log *zap.Logger) *Job {
	if batch <= 0 {
		batch = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		src:   src,
		sink:  sink,
		site:  site,
		batch: batch,
		log:   log.With(zap.String("component", "export"), zap.String("site", site)),
		now:   time.Now,
	}
}

// Tick runs the job and logs the outcome. It is the cron entry point.
func (j *Job) Tick(ctx context.Context) {
	n, err := j.RunOnce(ctx)
	if err != nil {
		j.log.Error("export failed", zap.Int("exported", n), zap.Error(err))
		return
	}
	if n > 0 {
		j.log.Info("statistics exported", zap.Int("exported", n))
	}
}

// RunOnce exports every pending statistic and returns how many were written.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		stats, err := j.src.UnsyncedStats(ctx, j.batch)
		if err != nil {
			metrics.StatsExported.WithLabelValues("error").Inc()
			return total, err
		}
		if len(stats) == 0 {
			return total, nil
		}

		if err := j.sink.UpsertTransitionStats(ctx, j.site, stats); err != nil {
			metrics.StatsExported.WithLabelValues("error").Add(float64(len(stats)))
			return total, fmt.Errorf("upsert %d stats: %w", len(stats), err)
		}
		if err := j.src.MarkStatsSynced(ctx, stats, j.now().Unix()); err != nil {
			return total, err
		}
		metrics.StatsExported.WithLabelValues("ok").Add(float64(len(stats)))
		total += len(stats)

		if len(stats) < j.batch {
			return total, nil
		}
	}
}
