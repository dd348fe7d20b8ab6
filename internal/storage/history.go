package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StateRecord is one persisted fixture state. Timestamp is the raw stored value: unix seconds for
// rows this service writes, ISO-8601 text for rows left by older tooling.
type StateRecord struct {
	ID        int64
	FixtureID int64
	State     string
	Timestamp string
}

// LatestState returns the most recently written state of a fixture.
func (q queries) LatestState(ctx context.Context, fixtureID int64) (StateRecord, bool, error) {
	var r StateRecord
	err := q.q.QueryRowContext(ctx, `
		SELECT id, fixture_id, state, CAST(timestamp AS TEXT)
		FROM fixture_states
		WHERE fixture_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, fixtureID).Scan(&r.ID, &r.FixtureID, &r.State, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, fmt.Errorf("latest state: %w", err)
	}
	return r, true, nil
}

// RecentStates returns up to limit states of a fixture, newest first.
func (q queries) RecentStates(ctx context.Context, fixtureID int64, limit int) ([]StateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, fixture_id, state, CAST(timestamp AS TEXT)
		FROM fixture_states
		WHERE fixture_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, fixtureID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StateRecord
	for rows.Next() {
		var r StateRecord
		if err := rows.Scan(&r.ID, &r.FixtureID, &r.State, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertState appends a fixture state record.
func (q queries) InsertState(ctx context.Context, fixtureID int64, state string, ts int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO fixture_states (fixture_id, state, timestamp) VALUES (?, ?, ?)
	`, fixtureID, state, ts)
	if err != nil {
		return 0, fmt.Errorf("insert state: %w", err)
	}
	return res.LastInsertId()
}

// CountStates returns the number of state records held for a fixture.
func (q queries) CountStates(ctx context.Context, fixtureID int64) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM fixture_states WHERE fixture_id = ?`, fixtureID).Scan(&n)
	return n, err
}

// TransitionStat is the duration estimate for one (fixture, previous, next) transition.
type TransitionStat struct {
	FixtureID     int64
	PreviousState string
	NextState     string
	Duration      float64
	SampleCount   int
	LastUpdated   int64
	SyncedAt      *int64
}

const statColumns = `fixture_id, previous_state, next_state, duration, sample_count, last_updated, synced_at`

func scanStat(row interface{ Scan(...any) error }) (TransitionStat, error) {
	var s TransitionStat
	var synced sql.NullInt64
	if err := row.Scan(&s.FixtureID, &s.PreviousState, &s.NextState, &s.Duration,
		&s.SampleCount, &s.LastUpdated, &synced); err != nil {
		return TransitionStat{}, err
	}
	if synced.Valid {
		v := synced.Int64
		s.SyncedAt = &v
	}
	return s, nil
}

// TransitionStat returns the statistic for one transition.
func (q queries) TransitionStat(ctx context.Context, fixtureID int64, prev, next string) (TransitionStat, bool, error) {
	s, err := scanStat(q.q.QueryRowContext(ctx, `
		SELECT `+statColumns+`
		FROM transition_stats
		WHERE fixture_id = ? AND previous_state = ? AND next_state = ?
	`, fixtureID, prev, next))
	if errors.Is(err, sql.ErrNoRows) {
		return TransitionStat{}, false, nil
	}
	if err != nil {
		return TransitionStat{}, false, fmt.Errorf("transition stat: %w", err)
	}
	return s, true, nil
}

// StatFrom returns the best-supported statistic leaving prev for a fixture.
func (q queries) StatFrom(ctx context.Context, fixtureID int64, prev string) (TransitionStat, bool, error) {
	s, err := scanStat(q.q.QueryRowContext(ctx, `
		SELECT `+statColumns+`
		FROM transition_stats
		WHERE fixture_id = ? AND previous_state = ?
		ORDER BY sample_count DESC, last_updated DESC
		LIMIT 1
	`, fixtureID, prev))
	if errors.Is(err, sql.ErrNoRows) {
		return TransitionStat{}, false, nil
	}
	if err != nil {
		return TransitionStat{}, false, fmt.Errorf("transition stat: %w", err)
	}
	return s, true, nil
}

// StatsForFixture returns every statistic of a fixture.
func (q queries) StatsForFixture(ctx context.Context, fixtureID int64) ([]TransitionStat, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+statColumns+`
		FROM transition_stats
		WHERE fixture_id = ?
		ORDER BY previous_state, next_state
	`, fixtureID)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionStat
	for rows.Next() {
		s, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertTransitionStat writes s and clears synced_at so the export job picks it up again.
func (q queries) UpsertTransitionStat(ctx context.Context, s TransitionStat) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO transition_stats (fixture_id, previous_state, next_state, duration, sample_count, last_updated, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (fixture_id, previous_state, next_state) DO UPDATE SET
			duration = excluded.duration,
			sample_count = excluded.sample_count,
			last_updated = excluded.last_updated,
			synced_at = NULL
	`, s.FixtureID, s.PreviousState, s.NextState, s.Duration, s.SampleCount, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert transition stat: %w", err)
	}
	return nil
}

// UnsyncedStats returns statistics changed since the last export.
func (q queries) UnsyncedStats(ctx context.Context, limit int) ([]TransitionStat, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+statColumns+`
		FROM transition_stats
		WHERE synced_at IS NULL
		ORDER BY last_updated
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionStat
	for rows.Next() {
		s, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkStatsSynced stamps exported statistics. A row updated after it was read keeps synced_at NULL.
func (q queries) MarkStatsSynced(ctx context.Context, stats []TransitionStat, at int64) error {
	for _, s := range stats {
		_, err := q.q.ExecContext(ctx, `
			UPDATE transition_stats SET synced_at = ?
			WHERE fixture_id = ? AND previous_state = ? AND next_state = ? AND last_updated = ? AND sample_count = ?
		`, at, s.FixtureID, s.PreviousState, s.NextState, s.LastUpdated, s.SampleCount)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
	}
	return nil
}
