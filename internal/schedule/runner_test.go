package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser(t *testing.T) {
	for _, spec := range []string{"@every 15m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		_, err := Parser.Parse(spec)
		assert.NoError(t, err, spec)
	}
	_, err := Parser.Parse("every fifteen minutes")
	assert.Error(t, err)
}

func TestRunner_RunsAndSkipsOverlaps(t *testing.T) {
	r := New(nil, context.Background())

	var runs, active, overlaps atomic.Int32
	_, err := r.Add("slow", "@every 1s", func(ctx context.Context) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		runs.Add(1)
		time.Sleep(1500 * time.Millisecond)
		active.Add(-1)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Entries())

	r.Start()
	time.Sleep(3200 * time.Millisecond)
	r.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(1))
	assert.Zero(t, overlaps.Load())
}

func TestRunner_BadSpec(t *testing.T) {
	r := New(nil, context.Background())
	_, err := r.Add("bad", "nonsense", func(context.Context) {})
	assert.Error(t, err)
}
