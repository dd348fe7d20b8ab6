// Package storage provides the embedded SQLite store for detector configuration, raw telemetry,
// fixture state history and transition statistics, plus the optional PostgreSQL and ClickHouse sinks.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"signalwatch/internal/config"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// schema holds the SQLite table definitions. It is applied once by InitSchema before ingest starts.
const schema = `
CREATE TABLE IF NOT EXISTS fixtures (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	name            TEXT UNIQUE NOT NULL,
	location        TEXT NOT NULL DEFAULT '',
	intersection_id TEXT NOT NULL DEFAULT 'UNGROUPED'
);

CREATE INDEX IF NOT EXISTS idx_fixtures_intersection ON fixtures(intersection_id);

CREATE TABLE IF NOT EXISTS channel_mappings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	fixture_id  INTEGER NOT NULL,
	detector_id INTEGER NOT NULL,
	channel_bit INTEGER NOT NULL,
	color       TEXT NOT NULL CHECK (color IN ('RED', 'GREEN')),
	UNIQUE (fixture_id, color),
	UNIQUE (detector_id, channel_bit)
);

CREATE INDEX IF NOT EXISTS idx_channel_mappings_detector ON channel_mappings(detector_id);

CREATE TABLE IF NOT EXISTS telemetry (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	detector_id INTEGER NOT NULL,
	channels    INTEGER NOT NULL,
	timestamp   INTEGER NOT NULL,
	counter     INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	UNIQUE (detector_id, counter, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);

CREATE TABLE IF NOT EXISTS fixture_states (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	fixture_id INTEGER NOT NULL,
	state      TEXT NOT NULL CHECK (state IN ('RED', 'GREEN')),
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fixture_states_fixture ON fixture_states(fixture_id, id);
CREATE INDEX IF NOT EXISTS idx_fixture_states_timestamp ON fixture_states(timestamp);

CREATE TABLE IF NOT EXISTS transition_stats (
	fixture_id     INTEGER NOT NULL,
	previous_state TEXT NOT NULL,
	next_state     TEXT NOT NULL,
	duration       REAL NOT NULL,
	sample_count   INTEGER NOT NULL DEFAULT 1,
	last_updated   INTEGER NOT NULL,
	synced_at      INTEGER,
	PRIMARY KEY (fixture_id, previous_state, next_state)
);

CREATE INDEX IF NOT EXISTS idx_transition_stats_synced ON transition_stats(synced_at);

CREATE TABLE IF NOT EXISTS detectors (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT UNIQUE NOT NULL,
	secret     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// tsExpr normalises fixture_states.timestamp to unix seconds. Rows written by older tooling hold
// ISO-8601 text; anything strftime cannot read becomes NULL.
const tsExpr = `CASE typeof(timestamp)
	WHEN 'integer' THEN timestamp
	WHEN 'real' THEN CAST(timestamp AS INTEGER)
	ELSE CAST(strftime('%s', timestamp) AS INTEGER)
END`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement so that DB and Tx expose the same methods.
type queries struct {
	q querier
}

// DB wraps the SQLite connection pool.
type DB struct {
	queries
	db   *sql.DB
	path string
}

// Tx is a store transaction. Only use Tx methods inside InTx; the in-memory store has a single connection.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open opens or creates the SQLite database described by cfg. The schema is not applied; call InitSchema.
func Open(ctx context.Context, cfg config.SQLiteConfig) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = MemoryPath
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	memory := path == MemoryPath
	dsn := path
	if !memory {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
			path, busy.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{queries: queries{q: db}, db: db, path: path}, nil
}

// NewDB wraps an existing handle. Used by tests that drive the store through sqlmock.
func NewDB(db *sql.DB) *DB {
	return &DB{queries: queries{q: db}, db: db}
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database path.
func (d *DB) Path() string {
	return d.path
}

// InitSchema creates the tables and indices.
func (d *DB) InitSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// InTx runs fn inside a transaction. The transaction is rolled back when fn returns an error.
func (d *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Tx{queries: queries{q: tx}, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Vacuum reclaims free pages. It cannot run inside a transaction.
func (d *DB) Vacuum(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Mapping is one channel bit of a detector driving one color of a fixture.
type Mapping struct {
	FixtureID      int64
	DetectorID     int64
	ChannelBit     int
	Color          string
	IntersectionID string
	Name           string
	Location       string
}

// MappingsForDetector returns every mapping driven by detectorID ordered by fixture, color and bit.
func (q queries) MappingsForDetector(ctx context.Context, detectorID int64) ([]Mapping, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT m.fixture_id, m.detector_id, m.channel_bit, m.color,
		       f.intersection_id, f.name, f.location
		FROM channel_mappings m
		JOIN fixtures f ON f.id = m.fixture_id
		WHERE m.detector_id = ?
		ORDER BY m.fixture_id, m.color, m.channel_bit
	`, detectorID)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.FixtureID, &m.DetectorID, &m.ChannelBit, &m.Color,
			&m.IntersectionID, &m.Name, &m.Location); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TelemetryRecord is one raw frame as stored.
type TelemetryRecord struct {
	ID         int64
	DetectorID int64
	Channels   uint32
	Timestamp  int64
	Counter    uint64
	ReceivedAt int64
}

// InsertTelemetry appends a raw frame. It returns false when the frame duplicates one already stored.
func (q queries) InsertTelemetry(ctx context.Context, r TelemetryRecord) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO telemetry (detector_id, channels, timestamp, counter, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.DetectorID, int64(r.Channels), r.Timestamp, int64(r.Counter), r.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert telemetry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountTelemetry returns the number of raw frames held.
func (q queries) CountTelemetry(ctx context.Context) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
