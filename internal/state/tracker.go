package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/config"
	"signalwatch/internal/metrics"
	"signalwatch/internal/storage"
)

// ErrOutOfOrder is returned when a state is older than the fixture's latest persisted record.
var ErrOutOfOrder = errors.New("state older than latest record")

// TxRunner runs a function inside a store transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(*storage.Tx) error) error
}

// TrackerOptions bounds accepted dwell durations and tunes the recency weighting.
type TrackerOptions struct {
	MinDuration  time.Duration
	MaxDuration  time.Duration
	DecayLambda  float64 // Per second.
	RunWalkLimit int
}

// DefaultTrackerOptions returns the [5s, 300s] band with λ = 0.001.
func DefaultTrackerOptions() TrackerOptions {
	return TrackerOptions{
		MinDuration:  5 * time.Second,
		MaxDuration:  300 * time.Second,
		DecayLambda:  0.001,
		RunWalkLimit: 1000,
	}
}

// TrackerOptionsFrom converts the tracker configuration section.
func TrackerOptionsFrom(c config.TrackerConfig) TrackerOptions {
	o := TrackerOptions{
		MinDuration:  c.MinDuration,
		MaxDuration:  c.MaxDuration,
		DecayLambda:  c.DecayLambda,
		RunWalkLimit: c.RunWalkLimit,
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultTrackerOptions().MaxDuration
	}
	if o.RunWalkLimit <= 0 {
		o.RunWalkLimit = DefaultTrackerOptions().RunWalkLimit
	}
	return o
}

// Tracker persists fixture state changes and maintains per-transition dwell statistics.
// Calls must be serialised per fixture; the ingest processor applies frames one at a time.
type Tracker struct {
	db   TxRunner
	opts TrackerOptions
	log  *zap.Logger
	now  func() time.Time
}

// NewTracker creates a tracker writing through db.
func NewTracker(db TxRunner, opts TrackerOptions, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		db:   db,
		opts: opts,
		log:  log.With(zap.String("component", "tracker")),
		now:  time.Now,
	}
}

// RecordState applies a resolved state observed at ts.
//
// Unknown states are dropped. Nothing is written when the state equals the latest record. A state
// older than the latest record is refused with ErrOutOfOrder. When ts is unusable the state is
// persisted at ts.Received (or the current time) and no duration is computed. A TransitionEvent is
// returned only for a RED/GREEN change.
func (t *Tracker) RecordState(ctx context.Context, fixtureID int64, s State, ts ParsedTime) (*TransitionEvent, error) {
	if !s.Valid() {
		metrics.StateRejected.WithLabelValues("unknown").Inc()
		return nil, nil
	}

	at := ts.Time
	durationKnown := ts.Valid()
	if !durationKnown {
		at = ts.Received.UTC()
		if ts.Received.IsZero() {
			at = t.now().UTC()
		}
		t.log.Warn("unusable timestamp, recording at receive time",
			zap.Int64("fixture_id", fixtureID), zap.Time("received_at", at), zap.Error(ts.Err))
	}

	var ev *TransitionEvent
	var unchanged bool

	err := t.db.InTx(ctx, func(tx *storage.Tx) error {
		history, err := tx.RecentStates(ctx, fixtureID, t.opts.RunWalkLimit)
		if err != nil {
			return err
		}

		var prev State
		if len(history) > 0 {
			latest := history[0]
			prev = ParseState(latest.State)
			if lt := ParseStored(latest.Timestamp); lt.Valid() && at.Before(lt.Time) {
				return fmt.Errorf("%w: fixture %d at %d, latest %d",
					ErrOutOfOrder, fixtureID, at.Unix(), lt.Unix())
			}
			if prev == s {
				unchanged = true
				return nil
			}
		}

		if _, err := tx.InsertState(ctx, fixtureID, string(s), at.Unix()); err != nil {
			return err
		}
		metrics.StateWrites.WithLabelValues(string(s)).Inc()

		if !prev.Valid() {
			return nil
		}

		ev = &TransitionEvent{FixtureID: fixtureID, From: prev, To: s, At: at}
		if !durationKnown {
			metrics.Transitions.WithLabelValues("unknown_duration").Inc()
			return nil
		}

		start, ok := RunStart(history, prev)
		if !ok {
			t.log.Warn("run start unreadable, skipping duration",
				zap.Int64("fixture_id", fixtureID), zap.Stringer("from", prev))
			metrics.Transitions.WithLabelValues("unknown_duration").Inc()
			return nil
		}

		ev.DurationKnown = true
		ev.Duration = at.Sub(start.Time)
		if ev.Duration < t.opts.MinDuration || ev.Duration > t.opts.MaxDuration {
			t.log.Info("implausible dwell duration ignored",
				zap.Int64("fixture_id", fixtureID),
				zap.Stringer("from", prev),
				zap.Stringer("to", s),
				zap.Duration("duration", ev.Duration))
			metrics.Transitions.WithLabelValues("implausible").Inc()
			return nil
		}

		if err := t.updateStat(ctx, tx, fixtureID, prev, s, ev.Duration, at); err != nil {
			return err
		}
		ev.Accepted = true
		metrics.Transitions.WithLabelValues("accepted").Inc()
		metrics.TransitionDuration.WithLabelValues(string(prev), string(s)).Observe(ev.Duration.Seconds())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			metrics.StateRejected.WithLabelValues("out_of_order").Inc()
		}
		return nil, err
	}
	if unchanged {
		metrics.StateRejected.WithLabelValues("unchanged").Inc()
	}
	return ev, nil
}

// updateStat folds d into the running estimate: the prior estimate is weighted by
// exp(-λ·secondsSinceLastUpdate) and the new observation by 1.
func (t *Tracker) updateStat(ctx context.Context, tx *storage.Tx, fixtureID int64, from, to State, d time.Duration, at time.Time) error {
	cur, ok, err := tx.TransitionStat(ctx, fixtureID, string(from), string(to))
	if err != nil {
		return err
	}

	next := storage.TransitionStat{
		FixtureID:     fixtureID,
		PreviousState: string(from),
		NextState:     string(to),
		Duration:      d.Seconds(),
		SampleCount:   1,
		LastUpdated:   at.Unix(),
	}
	if ok {
		next.Duration = WeightedEstimate(cur.Duration, d.Seconds(), at.Unix()-cur.LastUpdated, t.opts.DecayLambda)
		next.SampleCount = cur.SampleCount + 1
		if cur.LastUpdated > next.LastUpdated {
			next.LastUpdated = cur.LastUpdated
		}
	}
	return tx.UpsertTransitionStat(ctx, next)
}

// WeightedEstimate combines a prior estimate last updated elapsed seconds ago with a new observation.
func WeightedEstimate(prior, observed float64, elapsed int64, lambda float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	wPrior := math.Exp(-lambda * float64(elapsed))
	return (observed + prior*wPrior) / (1 + wPrior)
}

// RunStart returns the earliest timestamp of the contiguous run of s at the head of history, which
// is ordered newest first. It fails when history does not start with s or a timestamp in the run
// cannot be read.
func RunStart(history []storage.StateRecord, s State) (ParsedTime, bool) {
	var start ParsedTime
	found := false
	for _, r := range history {
		if ParseState(r.State) != s {
			break
		}
		pt := ParseStored(r.Timestamp)
		if !pt.Valid() {
			return ParsedTime{}, false
		}
		start = pt
		found = true
	}
	return start, found
}
