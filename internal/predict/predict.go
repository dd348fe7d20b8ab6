// Package predict estimates when a fixture will next change color.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/config"
	"signalwatch/internal/metrics"
	"signalwatch/internal/state"
	"signalwatch/internal/storage"
)

// Source names where a prediction came from.
type Source string

const (
	SourceStatistic Source = "statistic"
	SourceDefault   Source = "default"
	SourceFallback  Source = "fallback"
	SourceInvalid   Source = "invalid"
)

const (
	fallbackSeconds    = 45
	fallbackConfidence = 0.3
	defaultConfidence  = 0.5
	fullConfidenceAt   = 10 // samples
)

var errClockSkew = errors.New("run start is in the future")

// Prediction is the expected next state of a fixture.
type Prediction struct {
	NextState        state.State `json:"predicted_next_state"`
	SecondsRemaining float64     `json:"seconds_to_change"`
	Confidence       float64     `json:"confidence"`
	Source           Source      `json:"source"`
}

// History is the read side of the store used for predictions.
type History interface {
	StatFrom(ctx context.Context, fixtureID int64, prev string) (storage.TransitionStat, bool, error)
	RecentStates(ctx context.Context, fixtureID int64, limit int) ([]storage.StateRecord, error)
}

// Window is a daily local-time interval [Start, End).
type Window struct {
	Start time.Duration // Offset from midnight.
	End   time.Duration
}

// Contains reports whether t falls inside the window in t's location.
func (w Window) Contains(t time.Time) bool {
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	return off >= w.Start && off < w.End
}

// ParseWindow reads "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("rush window %q: want HH:MM-HH:MM", s)
	}
	start, err := clock(from)
	if err != nil {
		return Window{}, fmt.Errorf("rush window %q: %w", s, err)
	}
	end, err := clock(to)
	if err != nil {
		return Window{}, fmt.Errorf("rush window %q: %w", s, err)
	}
	if end <= start {
		return Window{}, fmt.Errorf("rush window %q ends before it starts", s)
	}
	return Window{Start: start, End: end}, nil
}

func clock(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("bad hour %q", h)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute %q", m)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// Options tunes the engine.
type Options struct {
	Timeout        time.Duration
	MinExpected    time.Duration
	MaxExpected    time.Duration
	DefaultRed     time.Duration // RED to GREEN when no statistic exists.
	DefaultGreen   time.Duration // GREEN to RED when no statistic exists.
	RushRedScale   float64
	RushGreenScale float64
	RushWindows    []Window
	Location       *time.Location
	SkewTolerance  time.Duration
	RunWalkLimit   int
}

// DefaultOptions returns the stock durations with rush windows 07:00-10:00 and 16:00-19:00.
func DefaultOptions() Options {
	return Options{
		Timeout:        2 * time.Second,
		MinExpected:    30 * time.Second,
		MaxExpected:    300 * time.Second,
		DefaultRed:     30 * time.Second,
		DefaultGreen:   60 * time.Second,
		RushRedScale:   1.5,
		RushGreenScale: 0.8,
		RushWindows: []Window{
			{Start: 7 * time.Hour, End: 10 * time.Hour},
			{Start: 16 * time.Hour, End: 19 * time.Hour},
		},
		Location:      time.Local,
		SkewTolerance: 30 * time.Second,
		RunWalkLimit:  1000,
	}
}

// OptionsFrom converts the predict configuration section.
func OptionsFrom(c config.PredictConfig) (Options, error) {
	o := Options{
		Timeout:        c.Timeout,
		MinExpected:    c.MinExpected,
		MaxExpected:    c.MaxExpected,
		DefaultRed:     c.DefaultRed,
		DefaultGreen:   c.DefaultGreen,
		RushRedScale:   c.RushRedScale,
		RushGreenScale: c.RushGreenScale,
		Location:       c.Location(),
		SkewTolerance:  c.SkewTolerance,
		RunWalkLimit:   DefaultOptions().RunWalkLimit,
	}
	for _, s := range c.RushWindows {
		w, err := ParseWindow(s)
		if err != nil {
			return Options{}, err
		}
		o.RushWindows = append(o.RushWindows, w)
	}
	return o, nil
}

// Engine produces predictions from transition statistics and state history.
type Engine struct {
	hist History
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// NewEngine creates an engine reading from hist.
func NewEngine(hist History, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.MaxExpected <= 0 {
		opts.MinExpected, opts.MaxExpected = DefaultOptions().MinExpected, DefaultOptions().MaxExpected
	}
	return &Engine{
		hist: hist,
		opts: opts,
		log:  log.With(zap.String("component", "predict")),
		now:  time.Now,
	}
}

// Predict never fails. Invalid states yield (UNKNOWN, 0, 0); faults yield (opposite, 45, 0.3).
func (e *Engine) Predict(ctx context.Context, fixtureID int64, current state.State) Prediction {
	p := e.predict(ctx, fixtureID, current)
	metrics.Predictions.WithLabelValues(string(p.Source)).Inc()
	return p
}

func (e *Engine) predict(ctx context.Context, fixtureID int64, current state.State) Prediction {
	if !current.Valid() {
		return Prediction{NextState: state.Unknown, Source: SourceInvalid}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	type result struct {
		p   Prediction
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := e.estimate(ctx, fixtureID, current)
		ch <- result{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			e.log.Warn("prediction fell back",
				zap.Int64("fixture_id", fixtureID), zap.Stringer("state", current), zap.Error(r.err))
			return fallback(current)
		}
		return r.p
	case <-ctx.Done():
		e.log.Warn("prediction timed out",
			zap.Int64("fixture_id", fixtureID), zap.Duration("timeout", e.opts.Timeout))
		return fallback(current)
	}
}

func fallback(current state.State) Prediction {
	return Prediction{
		NextState:        current.Opposite(),
		SecondsRemaining: fallbackSeconds,
		Confidence:       fallbackConfidence,
		Source:           SourceFallback,
	}
}

func (e *Engine) estimate(ctx context.Context, fixtureID int64, current state.State) (Prediction, error) {
	now := e.now()

	elapsed, err := e.elapsed(ctx, fixtureID, current, now)
	if err != nil {
		return Prediction{}, err
	}

	stat, ok, err := e.hist.StatFrom(ctx, fixtureID, string(current))
	if err != nil {
		return Prediction{}, err
	}

	if ok {
		next := state.ParseState(stat.NextState)
		if !next.Valid() || next == current || math.IsNaN(stat.Duration) || math.IsInf(stat.Duration, 0) {
			return Prediction{}, fmt.Errorf("unusable statistic %s->%s (%v)", stat.PreviousState, stat.NextState, stat.Duration)
		}
		expected := clamp(stat.Duration, e.opts.MinExpected.Seconds(), e.opts.MaxExpected.Seconds())
		return Prediction{
			NextState:        next,
			SecondsRemaining: math.Max(0, expected-elapsed.Seconds()),
			Confidence:       math.Min(float64(stat.SampleCount)/fullConfidenceAt, 1.0),
			Source:           SourceStatistic,
		}, nil
	}

	expected := e.defaultDuration(current, now)
	return Prediction{
		NextState:        current.Opposite(),
		SecondsRemaining: math.Max(0, expected.Seconds()-elapsed.Seconds()),
		Confidence:       defaultConfidence,
		Source:           SourceDefault,
	}, nil
}

// elapsed is the time spent in the current run. It is zero when history does not end in current.
func (e *Engine) elapsed(ctx context.Context, fixtureID int64, current state.State, now time.Time) (time.Duration, error) {
	history, err := e.hist.RecentStates(ctx, fixtureID, e.opts.RunWalkLimit)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 || state.ParseState(history[0].State) != current {
		return 0, nil
	}
	start, ok := state.RunStart(history, current)
	if !ok {
		return 0, fmt.Errorf("run start of fixture %d: %w", fixtureID, state.ErrBadTimestamp)
	}
	d := now.Sub(start.Time)
	if d < -e.opts.SkewTolerance {
		return 0, fmt.Errorf("%w: %s ahead", errClockSkew, -d)
	}
	if d < 0 {
		d = 0
	}
	return d, nil
}

func (e *Engine) defaultDuration(current state.State, now time.Time) time.Duration {
	base, scale := e.opts.DefaultGreen, e.opts.RushGreenScale
	if current == state.Red {
		base, scale = e.opts.DefaultRed, e.opts.RushRedScale
	}
	local := now.In(e.opts.Location)
	for _, w := range e.opts.RushWindows {
		if w.Contains(local) && scale > 0 {
			return time.Duration(float64(base) * scale)
		}
	}
	return base
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
