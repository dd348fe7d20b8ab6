package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/state"
)

// Snapshot is the last-known state of an intersection as seen by ingest.
type Snapshot struct {
	IntersectionID string                `json:"intersection_id"`
	OverallState   state.State           `json:"overall_state"`
	ObservedAt     time.Time             `json:"observed_at"`
	Fixtures       map[int64]state.State `json:"fixtures"`
}

// SnapshotStore keeps snapshots keyed by intersection.
type SnapshotStore interface {
	Get(ctx context.Context, intersectionID string) (Snapshot, bool, error)
	Put(ctx context.Context, s Snapshot) error
	List(ctx context.Context) ([]Snapshot, error)
}

// MemoryStore is an in-process SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[id]
	if !ok {
		return Snapshot{}, false, nil
	}
	return s.clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	m.snaps[s.IntersectionID] = s.clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IntersectionID < out[j].IntersectionID })
	return out, nil
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Fixtures = make(map[int64]state.State, len(s.Fixtures))
	for k, v := range s.Fixtures {
		c.Fixtures[k] = v
	}
	return c
}

// Board folds resolved fixture states into per-intersection snapshots. Snapshot storage is advisory:
// failures are logged and never reach the caller.
type Board struct {
	store SnapshotStore
	log   *zap.Logger

	mu sync.Mutex
}

func NewBoard(store SnapshotStore, log *zap.Logger) *Board {
	if log == nil {
		log = zap.NewNop()
	}
	return &Board{store: store, log: log.With(zap.String("component", "snapshots"))}
}

// Observe records the states resolved from one frame. Unknown states leave the last-known state
// in place.
func (b *Board) Observe(ctx context.Context, at time.Time, mappings []state.Mapping, states map[int64]state.State) {
	groups := make(map[string][]int64)
	var order []string
	for _, m := range state.Fixtures(mappings) {
		if _, ok := groups[m.IntersectionID]; !ok {
			order = append(order, m.IntersectionID)
		}
		groups[m.IntersectionID] = append(groups[m.IntersectionID], m.FixtureID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range order {
		snap, ok, err := b.store.Get(ctx, id)
		if err != nil {
			b.log.Warn("snapshot read failed", zap.String("intersection_id", id), zap.Error(err))
			continue
		}
		if !ok {
			snap = Snapshot{IntersectionID: id, Fixtures: make(map[int64]state.State)}
		}
		if snap.Fixtures == nil {
			snap.Fixtures = make(map[int64]state.State)
		}
		for _, fid := range groups[id] {
			if s := states[fid]; s.Valid() {
				snap.Fixtures[fid] = s
			}
		}
		if at.After(snap.ObservedAt) {
			snap.ObservedAt = at
		}
		all := make([]state.State, 0, len(snap.Fixtures))
		for _, s := range snap.Fixtures {
			all = append(all, s)
		}
		snap.OverallState = Overall(all)

		if err := b.store.Put(ctx, snap); err != nil {
			b.log.Warn("snapshot write failed", zap.String("intersection_id", id), zap.Error(err))
		}
	}
}

// Get returns the snapshot of one intersection.
func (b *Board) Get(ctx context.Context, intersectionID string) (Snapshot, bool, error) {
	return b.store.Get(ctx, intersectionID)
}

// List returns every snapshot ordered by intersection.
func (b *Board) List(ctx context.Context) ([]Snapshot, error) {
	return b.store.List(ctx)
}
