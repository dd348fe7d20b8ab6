package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"signalwatch/internal/config"
)

// ClickHouseDB wraps a ClickHouse connection holding raw telemetry past the SQLite retention window.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS telemetry_archive (
		detector_id   UInt32,
		channels      UInt32,
		timestamp     DateTime,
		counter       UInt64,
		received_at   DateTime,
		archived_at   DateTime DEFAULT now()
	)
	ENGINE = ReplacingMergeTree(archived_at)
	PARTITION BY toYYYYMM(received_at)
	ORDER BY (detector_id, counter, timestamp)`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ArchiveTelemetry stores raw frames in one batch. Re-archiving the same frame is collapsed by the
// table engine.
func (d *ClickHouseDB) ArchiveTelemetry(ctx context.Context, records []TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO telemetry_archive (detector_id, channels, timestamp, counter, received_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		err := batch.Append(uint32(r.DetectorID), r.Channels, time.Unix(r.Timestamp, 0).UTC(),
			r.Counter, time.Unix(r.ReceivedAt, 0).UTC())
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// CountArchived returns the number of archived frames for a detector, or for all detectors when detectorID is 0.
func (d *ClickHouseDB) CountArchived(ctx context.Context, detectorID int64) (uint64, error) {
	var count uint64
	var err error
	if detectorID == 0 {
		err = d.conn.QueryRow(ctx, `SELECT count() FROM telemetry_archive FINAL`).Scan(&count)
	} else {
		err = d.conn.QueryRow(ctx, `SELECT count() FROM telemetry_archive FINAL WHERE detector_id = ?`, uint32(detectorID)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count archived: %w", err)
	}
	return count, nil
}
