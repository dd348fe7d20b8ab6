// Package ingest applies telemetry frames to the state tracker one at a time.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/config"
	"signalwatch/internal/metrics"
	"signalwatch/internal/state"
	"signalwatch/internal/storage"
	"signalwatch/internal/telemetry"
)

// ErrQueueFull is returned by Submit when the processor is not keeping up.
var ErrQueueFull = errors.New("ingest queue full")

// Outcome labels what happened to one frame.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeMalformed Outcome = "malformed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
)

// TelemetryStore persists raw frames.
type TelemetryStore interface {
	InsertTelemetry(ctx context.Context, r storage.TelemetryRecord) (bool, error)
}

// MappingLookup resolves a detector to its channel mappings.
type MappingLookup interface {
	Get(ctx context.Context, detectorID int64) ([]state.Mapping, error)
}

// StateRecorder persists resolved fixture states.
type StateRecorder interface {
	RecordState(ctx context.Context, fixtureID int64, s state.State, ts state.ParsedTime) (*state.TransitionEvent, error)
}

// Observer is told about the fixture states of a frame that the tracker accepted.
type Observer interface {
	Observe(ctx context.Context, at time.Time, mappings []state.Mapping, states map[int64]state.State)
}

// Options sizes the queue and bounds the device timestamps taken at face value.
type Options struct {
	QueueSize  int
	Epoch      time.Time     // Device timestamps before this are replaced by the receive time.
	FutureSkew time.Duration // So are device timestamps further than this ahead of the receive time.
}

// OptionsFrom combines the ingest section with the plausibility bounds of the retention section.
func OptionsFrom(ingest config.IngestConfig, ret config.RetentionConfig) (Options, error) {
	epoch, err := ret.Epoch()
	if err != nil {
		return Options{}, err
	}
	return Options{QueueSize: ingest.QueueSize, Epoch: epoch, FutureSkew: ret.FutureSkew}, nil
}

// Processor drains a bounded queue of transport payloads on a single goroutine.
type Processor struct {
	store    TelemetryStore
	mappings MappingLookup
	tracker  StateRecorder
	observer Observer
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	queue chan []byte
}

// New creates a processor. observer may be nil.
func New(store TelemetryStore, mappings MappingLookup, tracker StateRecorder, observer Observer, opts Options, log *zap.Logger) *Processor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.FutureSkew <= 0 {
		opts.FutureSkew = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		store:    store,
		mappings: mappings,
		tracker:  tracker,
		observer: observer,
		opts:     opts,
		log:      log.With(zap.String("component", "ingest")),
		now:      time.Now,
		queue:    make(chan []byte, opts.QueueSize),
	}
}

// Submit enqueues a payload without blocking. The payload is copied, so transports may reuse buffers.
func (p *Processor) Submit(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case p.queue <- buf:
		metrics.IngestQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.FramesReceived.WithLabelValues(string(OutcomeDropped)).Inc()
		return ErrQueueFull
	}
}

// Handle is a transport callback that submits payloads and logs drops.
func (p *Processor) Handle(payload []byte) {
	if err := p.Submit(payload); err != nil {
		p.log.Warn("frame dropped", zap.Error(err), zap.Int("queue_len", len(p.queue)))
	}
}

// Run applies queued frames until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("ingest started", zap.Int("queue_size", cap(p.queue)))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("ingest stopped", zap.Int("pending", len(p.queue)))
			return nil
		case payload := <-p.queue:
			metrics.IngestQueueDepth.Set(float64(len(p.queue)))
			p.Apply(ctx, payload)
		}
	}
}

// Apply decodes and applies one payload. Failures are logged and counted; they never stop ingest.
func (p *Processor) Apply(ctx context.Context, payload []byte) Outcome {
	start := time.Now()
	out := p.apply(ctx, payload)
	metrics.IngestLatency.Observe(time.Since(start).Seconds())
	metrics.FramesReceived.WithLabelValues(string(out)).Inc()
	return out
}

func (p *Processor) apply(ctx context.Context, payload []byte) Outcome {
	frame, err := telemetry.DecodePayload(payload)
	if err != nil {
		p.log.Warn("malformed frame", zap.Error(err), zap.Int("bytes", len(payload)))
		return OutcomeMalformed
	}

	receivedAt := p.now().UTC()
	inserted, err := p.store.InsertTelemetry(ctx, storage.TelemetryRecord{
		DetectorID: frame.DetectorID,
		Channels:   frame.Channels,
		Timestamp:  frame.Timestamp,
		Counter:    frame.Counter,
		ReceivedAt: receivedAt.Unix(),
	})
	if err != nil {
		p.log.Error("store telemetry", zap.Int64("detector_id", frame.DetectorID), zap.Error(err))
		return OutcomeFailed
	}
	if !inserted {
		p.log.Debug("duplicate frame",
			zap.Int64("detector_id", frame.DetectorID), zap.Uint64("counter", frame.Counter))
		return OutcomeDuplicate
	}

	mappings, err := p.mappings.Get(ctx, frame.DetectorID)
	if err != nil {
		p.log.Error("load mappings", zap.Int64("detector_id", frame.DetectorID), zap.Error(err))
		return OutcomeFailed
	}
	if len(mappings) == 0 {
		p.log.Debug("detector has no mapped fixtures", zap.Int64("detector_id", frame.DetectorID))
		return OutcomeUnmapped
	}

	states := state.Resolve(mappings, frame.Channels)
	ts := p.deviceTime(frame.Timestamp, receivedAt)

	out := OutcomeApplied
	accepted := make(map[int64]state.State, len(states))
	for _, m := range state.Fixtures(mappings) {
		s := states[m.FixtureID]
		ev, err := p.tracker.RecordState(ctx, m.FixtureID, s, ts)
		switch {
		case errors.Is(err, state.ErrOutOfOrder):
			p.log.Debug("out of order state ignored", zap.Int64("fixture_id", m.FixtureID), zap.Error(err))
			continue
		case err != nil:
			p.log.Error("record state",
				zap.Int64("fixture_id", m.FixtureID), zap.Stringer("state", s), zap.Error(err))
			out = OutcomeFailed
			continue
		case ev != nil:
			p.log.Info("fixture changed",
				zap.Int64("fixture_id", ev.FixtureID),
				zap.String("intersection_id", m.IntersectionID),
				zap.Stringer("from", ev.From),
				zap.Stringer("to", ev.To),
				zap.Duration("dwell", ev.Duration),
				zap.Bool("accepted", ev.Accepted))
		}
		accepted[m.FixtureID] = s
	}

	if p.observer != nil && len(accepted) > 0 {
		at := receivedAt
		if ts.Valid() {
			at = ts.Time
		}
		p.observer.Observe(ctx, at, mappings, accepted)
	}
	return out
}

// deviceTime reads the frame timestamp. Values outside [epoch, receivedAt+skew] are unusable and are
// recorded at receivedAt.
func (p *Processor) deviceTime(sec int64, receivedAt time.Time) state.ParsedTime {
	ts := state.FromUnix(sec).Within(p.opts.Epoch, receivedAt.Add(p.opts.FutureSkew))
	ts.Received = receivedAt
	return ts
}
