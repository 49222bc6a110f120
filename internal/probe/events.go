package probe

import "fmt"

// Event is one observed register change. Address uses PLC notation: %M<i>
// for coils, %MW<i> for holding registers.
type Event struct {
	UtcMs   int64  `json:"utcMs"`
	Address string `json:"address"`
	State   uint16 `json:"state"`
}

// DetectCoilEvents appends an event per coil that differs between prev and
// next. Only the common prefix is compared, so the first poll yields nothing.
func DetectCoilEvents(events []Event, utcMs int64, prev, next []bool) []Event {
	for i := range min(len(prev), len(next)) {
		if prev[i] == next[i] {
			continue
		}
		state := uint16(0)
		if next[i] {
			state = 1
		}
		events = append(events, Event{UtcMs: utcMs, Address: fmt.Sprintf("%%M%d", i), State: state})
	}
	return events
}

func DetectHoldingEvents(events []Event, utcMs int64, prev, next []uint16) []Event {
	for i := range min(len(prev), len(next)) {
		if prev[i] != next[i] {
			events = append(events, Event{UtcMs: utcMs, Address: fmt.Sprintf("%%MW%d", i), State: next[i]})
		}
	}
	return events
}

// MissedTicks is how far holding 0 (the tick counter) jumped past one step
// between two polls. Zero when nothing was missed or nothing to compare.
func MissedTicks(prev, next []uint16) int {
	if len(prev) == 0 || len(next) == 0 || next[0] <= prev[0] {
		return 0
	}
	if diff := int(next[0] - prev[0]); diff > 1 {
		return diff
	}
	return 0
}
