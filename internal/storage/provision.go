package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DefaultIntersection is the group a fixture belongs to until it is assigned.
const DefaultIntersection = "UNGROUPED"

// ErrInvalidMapping is returned when a fixture's channel assignment breaks the mapping rules.
var ErrInvalidMapping = errors.New("invalid channel mapping")

// Fixture is a provisioned traffic light.
type Fixture struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Location       string `json:"location"`
	IntersectionID string `json:"intersection_id"`
}

// UpsertFixture creates a fixture or updates the one with the same name, returning its id.
func (q queries) UpsertFixture(ctx context.Context, f Fixture) (int64, error) {
	if f.Name == "" {
		return 0, errors.New("fixture name is required")
	}
	if f.IntersectionID == "" {
		f.IntersectionID = DefaultIntersection
	}
	var id int64
	err := q.q.QueryRowContext(ctx, `
		INSERT INTO fixtures (name, location, intersection_id) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			location = excluded.location,
			intersection_id = excluded.intersection_id
		RETURNING id
	`, f.Name, f.Location, f.IntersectionID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert fixture: %w", err)
	}
	return id, nil
}

// Fixture returns one fixture by id.
func (q queries) Fixture(ctx context.Context, id int64) (Fixture, bool, error) {
	var f Fixture
	err := q.q.QueryRowContext(ctx, `
		SELECT id, name, location, intersection_id FROM fixtures WHERE id = ?
	`, id).Scan(&f.ID, &f.Name, &f.Location, &f.IntersectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Fixture{}, false, nil
	}
	if err != nil {
		return Fixture{}, false, fmt.Errorf("fixture %d: %w", id, err)
	}
	return f, true, nil
}

// Fixtures lists every fixture ordered by intersection then id.
func (q queries) Fixtures(ctx context.Context) ([]Fixture, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, name, location, intersection_id FROM fixtures ORDER BY intersection_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query fixtures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Fixture
	for rows.Next() {
		var f Fixture
		if err := rows.Scan(&f.ID, &f.Name, &f.Location, &f.IntersectionID); err != nil {
			return nil, fmt.Errorf("scan fixture: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MapFixture assigns the RED and GREEN channel bits of a fixture on one detector, replacing any
// previous assignment of those colors.
func (q queries) MapFixture(ctx context.Context, fixtureID, detectorID int64, redBit, greenBit int) error {
	if redBit == greenBit {
		return fmt.Errorf("%w: RED and GREEN share bit %d", ErrInvalidMapping, redBit)
	}
	for _, b := range []int{redBit, greenBit} {
		if b < 0 || b > 31 {
			return fmt.Errorf("%w: bit %d outside 0..31", ErrInvalidMapping, b)
		}
	}

	if _, err := q.q.ExecContext(ctx, `DELETE FROM channel_mappings WHERE fixture_id = ?`, fixtureID); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	for _, m := range []struct {
		bit   int
		color string
	}{{redBit, "RED"}, {greenBit, "GREEN"}} {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO channel_mappings (fixture_id, detector_id, channel_bit, color) VALUES (?, ?, ?, ?)
		`, fixtureID, detectorID, m.bit, m.color)
		if err != nil {
			return fmt.Errorf("%w: fixture %d %s on detector %d bit %d: %v",
				ErrInvalidMapping, fixtureID, m.color, detectorID, m.bit, err)
		}
	}
	return nil
}

// AssignIntersection moves fixtures into an intersection group and returns how many moved.
func (q queries) AssignIntersection(ctx context.Context, intersectionID string, fixtureIDs []int64) (int64, error) {
	if intersectionID == "" {
		intersectionID = DefaultIntersection
	}
	if len(fixtureIDs) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(fixtureIDs)+1)
	args = append(args, intersectionID)
	for _, id := range fixtureIDs {
		args = append(args, id)
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE fixtures SET intersection_id = ? WHERE id IN (`+placeholders(len(fixtureIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("assign intersection: %w", err)
	}
	return res.RowsAffected()
}

// IntersectionSummary is one intersection group and its size.
type IntersectionSummary struct {
	ID       string `json:"intersection_id"`
	Fixtures int    `json:"fixtures"`
}

// Intersections lists the intersection groups.
func (q queries) Intersections(ctx context.Context) ([]IntersectionSummary, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT intersection_id, COUNT(*) FROM fixtures GROUP BY intersection_id ORDER BY intersection_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query intersections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []IntersectionSummary
	for rows.Next() {
		var s IntersectionSummary
		if err := rows.Scan(&s.ID, &s.Fixtures); err != nil {
			return nil, fmt.Errorf("scan intersection: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FixtureState is a fixture joined with its latest persisted state. State and Timestamp are empty
// when the fixture has no history.
type FixtureState struct {
	Fixture
	State     string
	Timestamp string
}

// IntersectionFixtures returns the members of an intersection with their latest state.
func (q queries) IntersectionFixtures(ctx context.Context, intersectionID string) ([]FixtureState, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT f.id, f.name, f.location, f.intersection_id, s.state, CAST(s.timestamp AS TEXT)
		FROM fixtures f
		LEFT JOIN fixture_states s ON s.id = (
			SELECT MAX(id) FROM fixture_states WHERE fixture_id = f.id
		)
		WHERE f.intersection_id = ?
		ORDER BY f.id
	`, intersectionID)
	if err != nil {
		return nil, fmt.Errorf("query intersection: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FixtureState
	for rows.Next() {
		var fs FixtureState
		var state, ts sql.NullString
		if err := rows.Scan(&fs.ID, &fs.Name, &fs.Location, &fs.IntersectionID, &state, &ts); err != nil {
			return nil, fmt.Errorf("scan fixture state: %w", err)
		}
		fs.State = state.String
		fs.Timestamp = ts.String
		out = append(out, fs)
	}
	return out, rows.Err()
}

// Detector is a registered detector credential.
type Detector struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Secret    string `json:"secret"`
	CreatedAt int64  `json:"created_at"`
}

// DetectorByUsername returns the credential registered under username.
func (q queries) DetectorByUsername(ctx context.Context, username string) (Detector, bool, error) {
	var d Detector
	err := q.q.QueryRowContext(ctx, `
		SELECT id, username, secret, created_at FROM detectors WHERE username = ?
	`, username).Scan(&d.ID, &d.Username, &d.Secret, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Detector{}, false, nil
	}
	if err != nil {
		return Detector{}, false, fmt.Errorf("detector %q: %w", username, err)
	}
	return d, true, nil
}

// InsertDetector registers a credential unless the username already exists.
// It returns false when another writer registered it first.
func (q queries) InsertDetector(ctx context.Context, d Detector) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO detectors (username, secret, created_at) VALUES (?, ?, ?)
	`, d.Username, d.Secret, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert detector: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Detectors lists registered credentials.
func (q queries) Detectors(ctx context.Context) ([]Detector, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, username, secret, created_at FROM detectors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query detectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Detector
	for rows.Next() {
		var d Detector
		if err := rows.Scan(&d.ID, &d.Username, &d.Secret, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detector: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
