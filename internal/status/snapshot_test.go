package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/config"
	"signalwatch/internal/state"
)

func testMappings() []state.Mapping {
	return []state.Mapping{
		{FixtureID: 1, ChannelBit: 1, Color: state.Green, IntersectionID: "X1"},
		{FixtureID: 1, ChannelBit: 0, Color: state.Red, IntersectionID: "X1"},
		{FixtureID: 2, ChannelBit: 3, Color: state.Green, IntersectionID: "X1"},
		{FixtureID: 2, ChannelBit: 2, Color: state.Red, IntersectionID: "X1"},
		{FixtureID: 3, ChannelBit: 5, Color: state.Green, IntersectionID: "X2"},
		{FixtureID: 3, ChannelBit: 4, Color: state.Red, IntersectionID: "X2"},
	}
}

func TestBoard_Observe(t *testing.T) {
	ctx := context.Background()
	board := NewBoard(NewMemoryStore(), nil)
	t0 := time.Unix(1700000000, 0).UTC()

	board.Observe(ctx, t0, testMappings(), map[int64]state.State{1: state.Green, 2: state.Green, 3: state.Red})

	x1, ok, err := board.Get(ctx, "X1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Green, x1.OverallState)
	assert.Equal(t, t0, x1.ObservedAt)

	// Unknown leaves the last-known state; a later RED turns the intersection RED.
	t1 := t0.Add(5 * time.Second)
	board.Observe(ctx, t1, testMappings(), map[int64]state.State{1: state.Unknown, 2: state.Red, 3: state.Unknown})

	x1, _, err = board.Get(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, state.Green, x1.Fixtures[1])
	assert.Equal(t, state.Red, x1.Fixtures[2])
	assert.Equal(t, state.Red, x1.OverallState)
	assert.Equal(t, t1, x1.ObservedAt)

	list, err := board.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "X1", list[0].IntersectionID)
	assert.Equal(t, "X2", list[1].IntersectionID)
	assert.Equal(t, state.Red, list[1].OverallState)
}

func TestBoard_ObservedAtNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	board := NewBoard(NewMemoryStore(), nil)
	t0 := time.Unix(1700000000, 0).UTC()

	board.Observe(ctx, t0, testMappings(), map[int64]state.State{1: state.Red})
	board.Observe(ctx, t0.Add(-time.Minute), testMappings(), map[int64]state.State{1: state.Green})

	x1, _, err := board.Get(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, t0, x1.ObservedAt)
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) Put(context.Context, Snapshot) error { return errors.New("unavailable") }

func TestBoard_StoreFailureIsAdvisory(t *testing.T) {
	board := NewBoard(&failingStore{MemoryStore: NewMemoryStore()}, nil)
	assert.NotPanics(t, func() {
		board.Observe(context.Background(), time.Now(), testMappings(), map[int64]state.State{1: state.Red})
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Put(ctx, Snapshot{IntersectionID: "X1", Fixtures: map[int64]state.State{1: state.Red}}))

	s, ok, err := m.Get(ctx, "X1")
	require.NoError(t, err)
	require.True(t, ok)
	s.Fixtures[1] = state.Green

	again, _, err := m.Get(ctx, "X1")
	require.NoError(t, err)
	assert.Equal(t, state.Red, again.Fixtures[1])
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, "signalwatch:intersection:", time.Minute)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()

	_, ok, err := store.Get(ctx, "X1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, Snapshot{
		IntersectionID: "X1", OverallState: state.Red, ObservedAt: at,
		Fixtures: map[int64]state.State{7: state.Red, 8: state.Green},
	}))
	require.NoError(t, store.Put(ctx, Snapshot{IntersectionID: "A0", OverallState: state.Green, ObservedAt: at}))

	assert.True(t, mr.Exists("signalwatch:intersection:X1"))
	assert.Equal(t, time.Minute, mr.TTL("signalwatch:intersection:X1"))

	got, ok, err := store.Get(ctx, "X1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Red, got.OverallState)
	assert.Equal(t, state.Green, got.Fixtures[8])
	assert.True(t, at.Equal(got.ObservedAt))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "A0", list[0].IntersectionID)
	assert.Equal(t, "X1", list[1].IntersectionID)
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Snapshot{IntersectionID: "X1", OverallState: state.Red}))

	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "X1")
	require.NoError(t, err)
	assert.False(t, ok)
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStore_BoardIntegration(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()
	board := NewBoard(store, nil)

	board.Observe(ctx, time.Unix(1700000000, 0), testMappings(), map[int64]state.State{1: state.Green, 3: state.Red})

	x2, ok, err := board.Get(ctx, "X2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Red, x2.OverallState)
}

func TestOpenRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := OpenRedisStore(ctx, config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
