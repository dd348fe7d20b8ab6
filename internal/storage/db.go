package storage

import (
	"context"
	"errors"
	"fmt"

	"signalwatch/internal/config"
)

// Sinks holds the optional external stores. Either field is nil when disabled.
type Sinks struct {
	CH *ClickHouseDB // ClickHouse for archived raw telemetry.
	PG *PostgresDB   // PostgreSQL for exported transition statistics.
}

// OpenSinks opens the external stores enabled in cfg and creates their schemas.
func OpenSinks(ctx context.Context, cfg config.Config) (*Sinks, error) {
	s := &Sinks{}

	if cfg.ClickHouse.Enabled {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		s.CH = ch
	}

	if cfg.Postgres.Enabled {
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.PG = pg
	}

	if err := s.CreateSchemas(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes every open connection.
func (s *Sinks) Close() error {
	var errs []error
	if s.CH != nil {
		if err := s.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if s.PG != nil {
		s.PG.Close()
	}
	return errors.Join(errs...)
}

// CreateSchemas creates the schemas in the open stores.
func (s *Sinks) CreateSchemas(ctx context.Context) error {
	if s.CH != nil {
		if err := s.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	if s.PG != nil {
		if err := s.PG.CreateSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}
