package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/storage"
)

type fakeSource struct {
	calls   atomic.Int32
	rows    map[int64][]storage.Mapping
	err     error
	release chan struct{}
}

func (f *fakeSource) MappingsForDetector(ctx context.Context, detectorID int64) ([]storage.Mapping, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[detectorID], nil
}

func TestMappingCache_MemoisesAndFilters(t *testing.T) {
	src := &fakeSource{rows: map[int64][]storage.Mapping{
		1: {
			{FixtureID: 7, DetectorID: 1, ChannelBit: 1, Color: "GREEN"},
			{FixtureID: 7, DetectorID: 1, ChannelBit: 0, Color: "RED"},
			{FixtureID: 8, DetectorID: 1, ChannelBit: 40, Color: "RED"},
			{FixtureID: 8, DetectorID: 1, ChannelBit: 3, Color: "AMBER"},
		},
	}}
	c := NewMappingCache(src, time.Minute, nil)
	ctx := context.Background()

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Green, got[0].Color)
	assert.Equal(t, Red, got[1].Color)

	_, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestMappingCache_UnknownDetectorIsEmpty(t *testing.T) {
	src := &fakeSource{}
	c := NewMappingCache(src, time.Minute, nil)

	got, err := c.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "empty result is memoised")
}

func TestMappingCache_WholeCacheExpires(t *testing.T) {
	src := &fakeSource{rows: map[int64][]storage.Mapping{}}
	c := NewMappingCache(src, 5*time.Minute, nil)
	clock := time.Unix(10_000, 0)
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_, _ = c.Get(ctx, 1)
	_, _ = c.Get(ctx, 2)
	assert.Equal(t, 2, c.Len())

	clock = clock.Add(4 * time.Minute)
	_, _ = c.Get(ctx, 1)
	assert.Equal(t, int32(2), src.calls.Load())

	clock = clock.Add(2 * time.Minute)
	_, _ = c.Get(ctx, 1)
	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, 1, c.Len(), "detector 2 was dropped with the rest of the cache")
}

func TestMappingCache_ErrorsAreNotMemoised(t *testing.T) {
	src := &fakeSource{err: errors.New("database is locked")}
	c := NewMappingCache(src, time.Minute, nil)

	_, err := c.Get(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	src.err = nil
	_, err = c.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestMappingCache_ConcurrentMissesShareOneQuery(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	c := NewMappingCache(src, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), 5)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight load.
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestMappingCache_Invalidate(t *testing.T) {
	src := &fakeSource{}
	c := NewMappingCache(src, time.Hour, nil)
	_, _ = c.Get(context.Background(), 1)
	c.Invalidate()
	assert.Equal(t, 0, c.Len())
	_, _ = c.Get(context.Background(), 1)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestMappingCache_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	src := &fakeSource{
		rows:    map[int64][]storage.Mapping{1: {{FixtureID: 7, DetectorID: 1, ChannelBit: 0, Color: "RED"}}},
		release: make(chan struct{}),
	}
	c := NewMappingCache(src, time.Minute, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(first, 1)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		m   []Mapping
		err error
	}
	second := make(chan result, 1)
	go func() {
		m, err := c.Get(context.Background(), 1)
		second <- result{m, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.release)
	got := <-second
	require.NoError(t, got.err)
	require.Len(t, got.m, 1)
	assert.Equal(t, int64(7), got.m[0].FixtureID)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestMappingCache_LoadTimeout(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	c := NewMappingCache(src, time.Minute, nil)
	c.loadTimeout = 10 * time.Millisecond

	_, err := c.Get(context.Background(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Len())
}
