// Package main runs the signalwatch service: telemetry ingest, the maintenance scheduler and the
// status API.
//
// Usage:
//
//	signalwatch [-config path] [-env-only]
//
// Configuration is read from the YAML file (default $SW_CONFIG or config/config.yaml, optional) and
// SW_* environment variables, e.g. SW_SQLITE_PATH, SW_TRANSPORT_KIND, SW_API_ADDR.
//
// API Endpoints:
//
//	GET /api/v1/health
//	GET /api/v1/status/{intersection_id}
//	GET /api/v1/intersections
//	GET /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalwatch/internal/api"
	"signalwatch/internal/config"
	"signalwatch/internal/credentials"
	"signalwatch/internal/export"
	"signalwatch/internal/ingest"
	"signalwatch/internal/logger"
	"signalwatch/internal/predict"
	"signalwatch/internal/retention"
	"signalwatch/internal/schedule"
	"signalwatch/internal/state"
	"signalwatch/internal/status"
	"signalwatch/internal/storage"
	"signalwatch/internal/transport"
)

func main() {
	configPath := flag.String("config", envOrDefault("SW_CONFIG", "config/config.yaml"), "Path to YAML config")
	envOnly := flag.Bool("env-only", false, "Ignore the config file and read only SW_* variables")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log, cfg.App.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("signalwatch stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("signalwatch stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	db, err := storage.Open(ctx, cfg.SQLite)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	log.Info("sqlite ready", zap.String("path", db.Path()))

	sinks, err := storage.OpenSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sinks.Close() }()

	prov := credentials.NewProvisioner(db, log)
	for _, id := range cfg.Credentials.Detectors {
		creds, err := prov.Ensure(ctx, id)
		if err != nil {
			return fmt.Errorf("credentials for detector %d: %w", id, err)
		}
		log.Info("detector credentials ready",
			zap.Int64("detector_id", id), zap.String("username", creds.Username), zap.Bool("created", creds.Created))
	}

	predictOpts, err := predict.OptionsFrom(cfg.Predict)
	if err != nil {
		return err
	}
	retentionOpts, err := retention.OptionsFrom(cfg.Retention)
	if err != nil {
		return err
	}
	ingestOpts, err := ingest.OptionsFrom(cfg.Ingest, cfg.Retention)
	if err != nil {
		return err
	}

	cache := state.NewMappingCache(db, cfg.Cache.TTL, log)
	tracker := state.NewTracker(db, state.TrackerOptionsFrom(cfg.Tracker), log)
	engine := predict.NewEngine(db, predictOpts, log)

	var snaps status.SnapshotStore = status.NewMemoryStore()
	if cfg.Redis.Enabled {
		rs, err := status.OpenRedisStore(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rs.Close() }()
		snaps = rs
	}
	board := status.NewBoard(snaps, log)
	svc := status.NewService(db, engine, board, log)

	proc := ingest.New(db, cache, tracker, board, ingestOpts, log)

	tr, err := transport.Open(cfg.Transport, log)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()
	if err := tr.Subscribe(proc.Handle); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	runner := schedule.New(log, gctx)
	if cfg.Retention.Enabled {
		var archive retention.Archiver
		if sinks.CH != nil {
			archive = sinks.CH
		}
		sched := retention.New(db, archive, retentionOpts, log)
		if _, err := runner.Add("retention", cfg.Retention.Schedule, sched.Tick); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
	}
	if sinks.PG != nil {
		job := export.New(db, sinks.PG, cfg.Export.Site, cfg.Export.BatchSize, log)
		if _, err := runner.Add("export", cfg.Export.Schedule, job.Tick); err != nil {
			return fmt.Errorf("schedule export: %w", err)
		}
	}

	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return api.NewServer(svc, db, cfg.API, log).Run(gctx) })
	g.Go(func() error {
		runner.Start()
		<-gctx.Done()
		runner.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
