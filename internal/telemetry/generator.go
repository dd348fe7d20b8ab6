package telemetry

import "time"

// Generator produces frames for a detector cycling between a RED and a GREEN phase. It is the
// source of synthetic traffic for local testing.
type Generator struct {
	DetectorID int64
	RedMask    uint32
	GreenMask  uint32
	Red        time.Duration
	Green      time.Duration

	start   time.Time
	counter uint64
}

// Next returns the frame describing the cycle at now. The counter increases by one per call.
func (g *Generator) Next(now time.Time) Frame {
	if g.start.IsZero() {
		g.start = now
	}
	g.counter++

	mask := g.GreenMask
	if cycle := g.Red + g.Green; cycle > 0 {
		if now.Sub(g.start)%cycle >= g.Green {
			mask = g.RedMask
		}
	}
	return Frame{
		DetectorID: g.DetectorID,
		Channels:   mask,
		Timestamp:  now.Unix(),
		Counter:    g.counter,
	}
}

// Counter returns the counter of the last frame produced.
func (g *Generator) Counter() uint64 {
	return g.counter
}
