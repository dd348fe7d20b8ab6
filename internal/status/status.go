// Package status answers read queries about intersections: current fixture states with predictions,
// and the last-known snapshot of every intersection observed by ingest.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/predict"
	"signalwatch/internal/state"
	"signalwatch/internal/storage"
)

// ErrNotFound is returned for an intersection without fixtures.
var ErrNotFound = errors.New("intersection not found")

// Store is the read side of the persistence layer.
type Store interface {
	IntersectionFixtures(ctx context.Context, intersectionID string) ([]storage.FixtureState, error)
	Intersections(ctx context.Context) ([]storage.IntersectionSummary, error)
}

// Predictor estimates the next change of a fixture.
type Predictor interface {
	Predict(ctx context.Context, fixtureID int64, current state.State) predict.Prediction
}

// Location is a parsed fixture position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FixtureStatus is the current state and prediction of one fixture.
type FixtureStatus struct {
	ID                 int64          `json:"id"`
	Name               string         `json:"name"`
	Location           *Location      `json:"location,omitempty"`
	CurrentState       state.State    `json:"current_state"`
	StateSince         *time.Time     `json:"state_since,omitempty"`
	PredictedNextState state.State    `json:"predicted_next_state"`
	SecondsToChange    float64        `json:"seconds_to_change"`
	Confidence         float64        `json:"confidence"`
	PredictionSource   predict.Source `json:"prediction_source"`
}

// IntersectionStatus is the answer to a status query.
type IntersectionStatus struct {
	IntersectionID string          `json:"intersection_id"`
	OverallState   state.State     `json:"overall_state"`
	ObservedAt     time.Time       `json:"observed_at"`
	Fixtures       []FixtureStatus `json:"fixtures"`
}

// IntersectionSummary lists an intersection with its last-known overall state, if any was observed.
type IntersectionSummary struct {
	IntersectionID string      `json:"intersection_id"`
	Fixtures       int         `json:"fixtures"`
	OverallState   state.State `json:"overall_state"`
	ObservedAt     *time.Time  `json:"observed_at,omitempty"`
}

// Service implements the read query API.
type Service struct {
	store     Store
	predictor Predictor
	board     *Board
	log       *zap.Logger
	now       func() time.Time
}

// NewService creates a service. board may be nil, in which case summaries carry no observed state.
func NewService(store Store, predictor Predictor, board *Board, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		predictor: predictor,
		board:     board,
		log:       log.With(zap.String("component", "status")),
		now:       time.Now,
	}
}

// IntersectionStatus returns every fixture of an intersection with its latest state and prediction.
func (s *Service) IntersectionStatus(ctx context.Context, intersectionID string) (IntersectionStatus, error) {
	rows, err := s.store.IntersectionFixtures(ctx, intersectionID)
	if err != nil {
		return IntersectionStatus{}, fmt.Errorf("intersection %q: %w", intersectionID, err)
	}
	if len(rows) == 0 {
		return IntersectionStatus{}, ErrNotFound
	}

	out := IntersectionStatus{
		IntersectionID: intersectionID,
		ObservedAt:     s.now().UTC(),
		Fixtures:       make([]FixtureStatus, 0, len(rows)),
	}
	states := make([]state.State, 0, len(rows))
	for _, r := range rows {
		cur := state.ParseState(r.State)
		p := s.predictor.Predict(ctx, r.ID, cur)

		fs := FixtureStatus{
			ID:                 r.ID,
			Name:               r.Name,
			CurrentState:       cur,
			PredictedNextState: p.NextState,
			SecondsToChange:    p.SecondsRemaining,
			Confidence:         p.Confidence,
			PredictionSource:   p.Source,
		}
		if loc, ok := ParseLocation(r.Location); ok {
			fs.Location = &loc
		}
		if r.Timestamp != "" {
			if ts := state.ParseStored(r.Timestamp); ts.Valid() {
				fs.StateSince = &ts.Time
			}
		}
		out.Fixtures = append(out.Fixtures, fs)
		states = append(states, cur)
	}
	out.OverallState = Overall(states)
	return out, nil
}

// Intersections lists every provisioned intersection, joined with the last-known snapshots.
func (s *Service) Intersections(ctx context.Context) ([]IntersectionSummary, error) {
	rows, err := s.store.Intersections(ctx)
	if err != nil {
		return nil, err
	}

	snaps := map[string]Snapshot{}
	if s.board != nil {
		list, err := s.board.List(ctx)
		if err != nil {
			s.log.Warn("snapshot list failed", zap.Error(err))
		}
		for _, sn := range list {
			snaps[sn.IntersectionID] = sn
		}
	}

	out := make([]IntersectionSummary, 0, len(rows))
	for _, r := range rows {
		sum := IntersectionSummary{IntersectionID: r.ID, Fixtures: r.Fixtures, OverallState: state.Unknown}
		if sn, ok := snaps[r.ID]; ok {
			sum.OverallState = sn.OverallState
			at := sn.ObservedAt
			sum.ObservedAt = &at
		}
		out = append(out, sum)
	}
	return out, nil
}

// Overall is RED if any fixture is RED, otherwise GREEN if any is GREEN, otherwise UNKNOWN.
func Overall(states []state.State) state.State {
	overall := state.Unknown
	for _, s := range states {
		switch s {
		case state.Red:
			return state.Red
		case state.Green:
			overall = state.Green
		}
	}
	return overall
}

// ParseLocation reads a "lat, lng" pair. Free-text locations are not coordinates and yield false.
func ParseLocation(s string) (Location, bool) {
	lat, lng, ok := strings.Cut(s, ",")
	if !ok {
		return Location{}, false
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil || la < -90 || la > 90 {
		return Location{}, false
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil || lo < -180 || lo > 180 {
		return Location{}, false
	}
	return Location{Latitude: la, Longitude: lo}, true
}
