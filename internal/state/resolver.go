package state

// Resolve computes the state of every fixture in mappings from a channel mask.
//
// Each fixture starts Unknown. An active bit forces its color, so when both colors of a fixture are
// active the entry processed last wins. Mappings arrive ordered by fixture, color then bit, which
// makes the outcome deterministic.
func Resolve(mappings []Mapping, mask uint32) map[int64]State {
	out := make(map[int64]State, len(mappings)/2+1)
	for _, m := range mappings {
		if _, seen := out[m.FixtureID]; !seen {
			out[m.FixtureID] = Unknown
		}
		if m.ChannelBit < 0 || m.ChannelBit > 31 || !m.Color.Valid() {
			continue
		}
		if mask&(1<<uint(m.ChannelBit)) != 0 {
			out[m.FixtureID] = m.Color
		}
	}
	return out
}

// Fixtures returns the distinct fixtures of mappings in first-seen order.
func Fixtures(mappings []Mapping) []Mapping {
	seen := make(map[int64]bool, len(mappings))
	var out []Mapping
	for _, m := range mappings {
		if seen[m.FixtureID] {
			continue
		}
		seen[m.FixtureID] = true
		out = append(out, m)
	}
	return out
}
