package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"signalwatch/internal/config"
)

// PostgresDB wraps a PostgreSQL connection pool holding the shared copy of transition statistics.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pool for direct queries.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transition_stats (
		site            TEXT NOT NULL,
		fixture_id      BIGINT NOT NULL,
		previous_state  TEXT NOT NULL,
		next_state      TEXT NOT NULL,
		duration        DOUBLE PRECISION NOT NULL,
		sample_count    INTEGER NOT NULL,
		last_updated    TIMESTAMPTZ NOT NULL,
		exported_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (site, fixture_id, previous_state, next_state)
	);

	CREATE INDEX IF NOT EXISTS idx_transition_stats_fixture ON transition_stats(fixture_id);
	`
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertTransitionStats writes a batch of statistics for one site. Older copies never overwrite newer ones.
func (d *PostgresDB) UpsertTransitionStats(ctx context.Context, site string, stats []TransitionStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range stats {
		batch.Queue(`
			INSERT INTO transition_stats (site, fixture_id, previous_state, next_state, duration, sample_count, last_updated, exported_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (site, fixture_id, previous_state, next_state) DO UPDATE SET
				duration = EXCLUDED.duration,
				sample_count = EXCLUDED.sample_count,
				last_updated = EXCLUDED.last_updated,
				exported_at = NOW()
			WHERE transition_stats.last_updated <= EXCLUDED.last_updated
		`, site, s.FixtureID, s.PreviousState, s.NextState, s.Duration, s.SampleCount, time.Unix(s.LastUpdated, 0).UTC())
	}

	br := d.pool.SendBatch(ctx, batch)
	for range stats {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert transition stat: %w", err)
		}
	}
	return br.Close()
}

// TransitionStats returns the exported statistics of one fixture.
func (d *PostgresDB) TransitionStats(ctx context.Context, site string, fixtureID int64) ([]TransitionStat, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT fixture_id, previous_state, next_state, duration, sample_count, last_updated
		FROM transition_stats
		WHERE site = $1 AND fixture_id = $2
		ORDER BY previous_state, next_state
	`, site, fixtureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionStat
	for rows.Next() {
		var s TransitionStat
		var updated time.Time
		if err := rows.Scan(&s.FixtureID, &s.PreviousState, &s.NextState, &s.Duration, &s.SampleCount, &updated); err != nil {
			return nil, err
		}
		s.LastUpdated = updated.Unix()
		out = append(out, s)
	}
	return out, rows.Err()
}
