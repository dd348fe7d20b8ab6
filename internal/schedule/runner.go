// Package schedule runs periodic background jobs on cron specs.
package schedule

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Parser accepts five-field specs, an optional leading seconds field, and descriptors such as "@every 15m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner wraps a cron scheduler. A job still running when its next tick fires skips that tick.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New creates a runner whose jobs receive baseCtx.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{s: logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger.With(zap.String("component", "scheduler")),
		baseCtx: baseCtx,
	}
}

// Add registers job under name on spec.
func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		job(r.baseCtx)
		r.logger.Debug("job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return id, nil
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop stops scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// Entries returns the number of registered jobs.
func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
