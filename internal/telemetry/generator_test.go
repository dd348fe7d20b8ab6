package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerator_Cycle(t *testing.T) {
	g := &Generator{DetectorID: 3, RedMask: 0b01, GreenMask: 0b10, Red: 30 * time.Second, Green: 60 * time.Second}
	t0 := time.Unix(1700000000, 0)

	tests := []struct {
		offset time.Duration
		want   uint32
	}{
		{0, 0b10},
		{59 * time.Second, 0b10},
		{60 * time.Second, 0b01},
		{89 * time.Second, 0b01},
		{90 * time.Second, 0b10},
		{155 * time.Second, 0b01},
	}
	for i, tt := range tests {
		f := g.Next(t0.Add(tt.offset))
		assert.Equal(t, tt.want, f.Channels, "offset %s", tt.offset)
		assert.Equal(t, uint64(i+1), f.Counter)
		assert.Equal(t, int64(3), f.DetectorID)
		assert.Equal(t, t0.Add(tt.offset).Unix(), f.Timestamp)
	}
	assert.Equal(t, uint64(len(tests)), g.Counter())
}

func TestGenerator_FramesDecode(t *testing.T) {
	g := &Generator{DetectorID: 9, RedMask: 1 << 31, GreenMask: 1 << 30, Red: time.Second, Green: time.Second}
	now := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		want := g.Next(now.Add(time.Duration(i) * time.Second))
		got, err := DecodePayload(EncodePayload(want))
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGenerator_Independent(t *testing.T) {
	a := &Generator{DetectorID: 1}
	b := &Generator{DetectorID: 2}
	now := time.Now()
	a.Next(now)
	a.Next(now)
	assert.Equal(t, uint64(1), b.Next(now).Counter)
}
