package storage

import (
	"context"
	"fmt"
)

// TelemetryBefore returns raw frames received before cutoff, oldest first.
func (q queries) TelemetryBefore(ctx context.Context, cutoff int64, limit int) ([]TelemetryRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, detector_id, channels, timestamp, counter, received_at
		FROM telemetry
		WHERE received_at < ?
		ORDER BY id
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query old telemetry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TelemetryRecord
	for rows.Next() {
		var r TelemetryRecord
		var channels, counter int64
		if err := rows.Scan(&r.ID, &r.DetectorID, &channels, &r.Timestamp, &counter, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		r.Channels = uint32(channels)
		r.Counter = uint64(counter)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteTelemetryBefore removes raw frames received before cutoff.
func (q queries) DeleteTelemetryBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM telemetry WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete telemetry: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTelemetryThrough removes raw frames received before cutoff with an id up to maxID.
func (q queries) DeleteTelemetryThrough(ctx context.Context, cutoff, maxID int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM telemetry WHERE received_at < ? AND id <= ?`, cutoff, maxID)
	if err != nil {
		return 0, fmt.Errorf("delete telemetry: %w", err)
	}
	return res.RowsAffected()
}

// ImplausibleFixtures returns fixtures holding a state timestamp before floor, after ceiling, or unreadable.
func (q queries) ImplausibleFixtures(ctx context.Context, floor, ceiling int64) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT fixture_id FROM (
			SELECT fixture_id, `+tsExpr+` AS ts FROM fixture_states
		)
		WHERE ts IS NULL OR ts < ? OR ts > ?
		ORDER BY fixture_id
	`, floor, ceiling)
	if err != nil {
		return nil, fmt.Errorf("query implausible fixtures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan fixture id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CollapseFixture keeps only the latest state of a fixture and re-stamps it to now.
// It returns the number of older rows removed.
func (q queries) CollapseFixture(ctx context.Context, fixtureID, now int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM fixture_states
		WHERE fixture_id = ? AND id < (SELECT MAX(id) FROM fixture_states WHERE fixture_id = ?)
	`, fixtureID, fixtureID)
	if err != nil {
		return 0, fmt.Errorf("collapse fixture %d: %w", fixtureID, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := q.q.ExecContext(ctx, `
		UPDATE fixture_states SET timestamp = ? WHERE fixture_id = ?
	`, now, fixtureID); err != nil {
		return 0, fmt.Errorf("restamp fixture %d: %w", fixtureID, err)
	}
	return deleted, nil
}

// PruneStatesBefore removes state records older than cutoff, keeping the latest record of every fixture.
func (q queries) PruneStatesBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM fixture_states
		WHERE (`+tsExpr+`) < ?
		  AND id NOT IN (SELECT MAX(id) FROM fixture_states GROUP BY fixture_id)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune states: %w", err)
	}
	return res.RowsAffected()
}

// DeleteInvalidStates removes state records that are neither RED nor GREEN.
func (q queries) DeleteInvalidStates(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM fixture_states WHERE state NOT IN ('RED', 'GREEN')`)
	if err != nil {
		return 0, fmt.Errorf("delete invalid states: %w", err)
	}
	return res.RowsAffected()
}

// DeleteInvalidStats removes statistics referencing any state other than RED or GREEN.
func (q queries) DeleteInvalidStats(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM transition_stats
		WHERE previous_state NOT IN ('RED', 'GREEN') OR next_state NOT IN ('RED', 'GREEN')
	`)
	if err != nil {
		return 0, fmt.Errorf("delete invalid stats: %w", err)
	}
	return res.RowsAffected()
}
