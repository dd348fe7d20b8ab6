// Package state resolves detector channel masks into fixture states and tracks fixture transitions.
package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the resolved color of a fixture.
type State string

const (
	Unknown State = "UNKNOWN"
	Red     State = "RED"
	Green   State = "GREEN"
)

// ParseState maps stored or user supplied text onto a State. Anything other than RED or GREEN is Unknown.
func ParseState(s string) State {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case Red:
		return Red
	case Green:
		return Green
	default:
		return Unknown
	}
}

// Valid reports whether s may be persisted.
func (s State) Valid() bool {
	return s == Red || s == Green
}

// Opposite returns the other color. Unknown stays Unknown.
func (s State) Opposite() State {
	switch s {
	case Red:
		return Green
	case Green:
		return Red
	default:
		return Unknown
	}
}

func (s State) String() string {
	if s == "" {
		return string(Unknown)
	}
	return string(s)
}

// Mapping is one channel bit of a detector driving one color of a fixture.
type Mapping struct {
	FixtureID      int64  `json:"fixture_id"`
	ChannelBit     int    `json:"channel_bit"`
	Color          State  `json:"color"`
	IntersectionID string `json:"intersection_id"`
	Name           string `json:"name"`
	Location       string `json:"location"`
}

// TransitionEvent describes a persisted change of a fixture from one color to the other.
type TransitionEvent struct {
	FixtureID     int64         `json:"fixture_id"`
	From          State         `json:"from"`
	To            State         `json:"to"`
	At            time.Time     `json:"at"`
	Duration      time.Duration `json:"duration"`       // Dwell in From. Zero when DurationKnown is false.
	DurationKnown bool          `json:"duration_known"` // False when a timestamp in the run could not be read.
	Accepted      bool          `json:"accepted"`       // Duration fell in the plausible band and updated statistics.
}

// ErrBadTimestamp marks timestamps that cannot be placed on the timeline.
var ErrBadTimestamp = errors.New("bad timestamp")

// ParsedTime is the result of reading a timestamp. Err is set when the value could not be used.
type ParsedTime struct {
	Time time.Time
	Err  error

	// Received is when the value arrived, if known. Unusable timestamps are recorded at this time.
	Received time.Time
}

// Valid reports whether the parse succeeded.
func (p ParsedTime) Valid() bool {
	return p.Err == nil && !p.Time.IsZero()
}

// Unix returns the timestamp in seconds. It is 0 for an invalid result.
func (p ParsedTime) Unix() int64 {
	if !p.Valid() {
		return 0
	}
	return p.Time.Unix()
}

// At wraps a known-good time.
func At(t time.Time) ParsedTime {
	if t.IsZero() {
		return ParsedTime{Err: fmt.Errorf("%w: zero time", ErrBadTimestamp)}
	}
	return ParsedTime{Time: t}
}

// FromUnix reads a device timestamp in seconds. Zero and negative values are invalid.
func FromUnix(sec int64) ParsedTime {
	if sec <= 0 {
		return ParsedTime{Err: fmt.Errorf("%w: %d", ErrBadTimestamp, sec)}
	}
	return ParsedTime{Time: time.Unix(sec, 0).UTC()}
}

// Within invalidates p when it falls before earliest or after latest. Zero bounds are not checked.
func (p ParsedTime) Within(earliest, latest time.Time) ParsedTime {
	if !p.Valid() {
		return p
	}
	switch {
	case !earliest.IsZero() && p.Time.Before(earliest):
		p.Err = fmt.Errorf("%w: %d before %d", ErrBadTimestamp, p.Time.Unix(), earliest.Unix())
	case !latest.IsZero() && p.Time.After(latest):
		p.Err = fmt.Errorf("%w: %d after %d", ErrBadTimestamp, p.Time.Unix(), latest.Unix())
	}
	return p
}

var storedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// ParseStored reads a persisted timestamp: unix seconds, or ISO-8601 text from older tooling.
func ParseStored(raw string) ParsedTime {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ParsedTime{Err: fmt.Errorf("%w: empty", ErrBadTimestamp)}
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return FromUnix(sec)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return FromUnix(int64(f))
	}
	for _, layout := range storedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return ParsedTime{Time: t.UTC()}
		}
	}
	return ParsedTime{Err: fmt.Errorf("%w: %q", ErrBadTimestamp, raw)}
}
