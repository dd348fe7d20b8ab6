package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/config"
	"signalwatch/internal/state"
	"signalwatch/internal/status"
	"signalwatch/internal/storage"
	"signalwatch/internal/telemetry"
)

const detector = 10

type fixture struct {
	db    *storage.DB
	board *status.Board
	proc  *Processor
	id    int64
}

func setup(t *testing.T, queueSize int) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, config.SQLiteConfig{Path: storage.MemoryPath})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(ctx))
	t.Cleanup(func() { _ = db.Close() })

	var id int64
	require.NoError(t, db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = tx.UpsertFixture(ctx, storage.Fixture{Name: "north", IntersectionID: "X1"})
		if err != nil {
			return err
		}
		return tx.MapFixture(ctx, id, detector, 0, 1)
	}))

	cache := state.NewMappingCache(db, time.Minute, nil)
	tracker := state.NewTracker(db, state.DefaultTrackerOptions(), nil)
	board := status.NewBoard(status.NewMemoryStore(), nil)
	proc := New(db, cache, tracker, board, Options{
		QueueSize:  queueSize,
		Epoch:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FutureSkew: time.Hour,
	}, nil)
	proc.now = func() time.Time { return time.Unix(1700000500, 0) }

	return fixture{db: db, board: board, proc: proc, id: id}
}

func payload(detectorID int64, mask uint32, ts int64, counter uint64) []byte {
	return telemetry.EncodePayload(telemetry.Frame{DetectorID: detectorID, Channels: mask, Timestamp: ts, Counter: counter})
}

func TestApply_Sequence(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b10, 1700000000, 1)))
	latest, ok, err := f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "GREEN", latest.State)

	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b01, 1700000030, 2)))
	stat, ok, err := f.db.TransitionStat(ctx, f.id, "GREEN", "RED")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 30, stat.Duration, 1e-9)
	assert.Equal(t, 1, stat.SampleCount)

	// Same counter and timestamp: ignored before any state work.
	assert.Equal(t, OutcomeDuplicate, f.proc.Apply(ctx, payload(detector, 0b10, 1700000030, 2)))

	// Late frame: stored as telemetry but refused by the tracker, and kept off the board.
	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b10, 1700000010, 3)))
	latest, _, err = f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, "RED", latest.State)
	snap, ok, err := f.board.Get(ctx, "X1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Red, snap.Fixtures[f.id])
	assert.Equal(t, int64(1700000030), snap.ObservedAt.Unix())

	// Neither bit lit: nothing persisted.
	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0, 1700000040, 4)))
	n, err := f.db.CountStates(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.db.CountTelemetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	snap, ok, err = f.board.Get(ctx, "X1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Red, snap.OverallState)
	assert.Equal(t, int64(1700000040), snap.ObservedAt.Unix())
}

func TestApply_RejectsBadInput(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	assert.Equal(t, OutcomeMalformed, f.proc.Apply(ctx, []byte("%%% not base64")))
	assert.Equal(t, OutcomeMalformed, f.proc.Apply(ctx, nil))
	assert.Equal(t, OutcomeUnmapped, f.proc.Apply(ctx, payload(99, 0b1, 1700000000, 1)))

	n, err := f.db.CountStates(ctx, f.id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_BadDeviceClockUsesReceiveTime(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b01, 0, 1)))
	latest, ok, err := f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RED", latest.State)
	assert.Equal(t, "1700000500", latest.Timestamp)

	snap, _, err := f.board.Get(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000500), snap.ObservedAt.Unix())
}

func TestApply_FarFutureDeviceClockUsesReceiveTime(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	// Ten years ahead of the receive time.
	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b01, 2020000000, 1)))
	latest, ok, err := f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RED", latest.State)
	assert.Equal(t, "1700000500", latest.Timestamp)

	// The next frame with a sane clock is not refused as out of order.
	f.proc.now = func() time.Time { return time.Unix(1700000530, 0) }
	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b10, 1700000530, 2)))
	latest, _, err = f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, "GREEN", latest.State)
	assert.Equal(t, "1700000530", latest.Timestamp)

	snap, _, err := f.board.Get(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, state.Green, snap.OverallState)
	assert.Equal(t, int64(1700000530), snap.ObservedAt.Unix())
}

func TestApply_PreEpochDeviceClockUsesReceiveTime(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	assert.Equal(t, OutcomeApplied, f.proc.Apply(ctx, payload(detector, 0b01, 946684800, 1)))
	latest, ok, err := f.db.LatestState(ctx, f.id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1700000500", latest.Timestamp)
}

func TestOptionsFrom(t *testing.T) {
	opts, err := OptionsFrom(config.IngestConfig{QueueSize: 8},
		config.RetentionConfig{PlausibleEpoch: "2020-01-01", FutureSkew: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 8, opts.QueueSize)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), opts.Epoch)
	assert.Equal(t, 2*time.Hour, opts.FutureSkew)

	_, err = OptionsFrom(config.IngestConfig{}, config.RetentionConfig{PlausibleEpoch: "soon"})
	assert.Error(t, err)
}

type brokenLookup struct{}

func (brokenLookup) Get(context.Context, int64) ([]state.Mapping, error) {
	return nil, errors.New("database is locked")
}

func TestApply_LookupFailure(t *testing.T) {
	f := setup(t, 16)
	f.proc.mappings = brokenLookup{}
	assert.Equal(t, OutcomeFailed, f.proc.Apply(context.Background(), payload(detector, 0b01, 1700000000, 1)))
}

func TestSubmit_QueueFull(t *testing.T) {
	f := setup(t, 1)
	require.NoError(t, f.proc.Submit(payload(detector, 0b01, 1700000000, 1)))
	assert.ErrorIs(t, f.proc.Submit(payload(detector, 0b10, 1700000001, 2)), ErrQueueFull)
	assert.NotPanics(t, func() { f.proc.Handle(payload(detector, 0b10, 1700000002, 3)) })
}

func TestSubmit_CopiesPayload(t *testing.T) {
	f := setup(t, 1)
	buf := payload(detector, 0b01, 1700000000, 1)
	require.NoError(t, f.proc.Submit(buf))
	for i := range buf {
		buf[i] = 0
	}
	assert.Equal(t, OutcomeApplied, f.proc.Apply(context.Background(), <-f.proc.queue))
}

func TestRun_DrainsQueue(t *testing.T) {
	f := setup(t, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	f.proc.Handle(payload(detector, 0b10, 1700000000, 1))
	f.proc.Handle(payload(detector, 0b01, 1700000020, 2))

	require.Eventually(t, func() bool {
		n, err := f.db.CountStates(context.Background(), f.id)
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
