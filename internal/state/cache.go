package state

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"signalwatch/internal/metrics"
	"signalwatch/internal/storage"
)

// MappingSource loads the channel mappings of one detector.
type MappingSource interface {
	MappingsForDetector(ctx context.Context, detectorID int64) ([]storage.Mapping, error)
}

// MappingCache memoises detector mappings. The whole cache is dropped once it is older than the
// refresh interval so every detector sees configuration changes within the same bound.
type MappingCache struct {
	src MappingSource
	ttl time.Duration
	log *zap.Logger
	now func() time.Time

	loadTimeout time.Duration

	mu       sync.RWMutex
	entries  map[int64][]Mapping
	loadedAt time.Time

	group singleflight.Group
}

// NewMappingCache creates a cache over src refreshed every ttl.
func NewMappingCache(src MappingSource, ttl time.Duration, log *zap.Logger) *MappingCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MappingCache{
		src:     src,
		ttl:     ttl,
		log:     log.With(zap.String("component", "mapping_cache")),
		now:     time.Now,
		entries: make(map[int64][]Mapping),

		loadTimeout: 10 * time.Second,
	}
}

// Get returns the mappings of a detector. An unknown detector yields an empty slice, not an error.
// Callers must not modify the returned slice.
func (c *MappingCache) Get(ctx context.Context, detectorID int64) ([]Mapping, error) {
	c.expire()

	c.mu.RLock()
	m, ok := c.entries[detectorID]
	c.mu.RUnlock()
	if ok {
		metrics.MappingCacheLookups.WithLabelValues("hit").Inc()
		return m, nil
	}
	metrics.MappingCacheLookups.WithLabelValues("miss").Inc()

	// The load outlives a cancelled caller so other callers waiting on the same detector still get it.
	ch := c.group.DoChan(strconv.FormatInt(detectorID, 10), func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		rows, err := c.src.MappingsForDetector(lctx, detectorID)
		if err != nil {
			return nil, err
		}
		mappings := c.convert(detectorID, rows)

		c.mu.Lock()
		c.entries[detectorID] = mappings
		c.mu.Unlock()
		return mappings, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Mapping), nil
	}
}

// Invalidate drops every entry.
func (c *MappingCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[int64][]Mapping)
	c.loadedAt = c.now()
	c.mu.Unlock()
}

// Len returns the number of memoised detectors.
func (c *MappingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MappingCache) expire() {
	now := c.now()

	c.mu.RLock()
	fresh := !c.loadedAt.IsZero() && now.Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadedAt.IsZero() {
		c.loadedAt = now
		return
	}
	if now.Sub(c.loadedAt) >= c.ttl {
		c.entries = make(map[int64][]Mapping)
		c.loadedAt = now
		metrics.MappingCacheRefreshes.Inc()
		c.log.Debug("mapping cache refreshed")
	}
}

func (c *MappingCache) convert(detectorID int64, rows []storage.Mapping) []Mapping {
	out := make([]Mapping, 0, len(rows))
	for _, r := range rows {
		color := ParseState(r.Color)
		if !color.Valid() || r.ChannelBit < 0 || r.ChannelBit > 31 {
			c.log.Warn("skipping invalid channel mapping",
				zap.Int64("detector_id", detectorID),
				zap.Int64("fixture_id", r.FixtureID),
				zap.Int("channel_bit", r.ChannelBit),
				zap.String("color", r.Color))
			continue
		}
		out = append(out, Mapping{
			FixtureID:      r.FixtureID,
			ChannelBit:     r.ChannelBit,
			Color:          color,
			IntersectionID: r.IntersectionID,
			Name:           r.Name,
			Location:       r.Location,
		})
	}
	return out
}
