package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectEvents(t *testing.T) {
	var events []Event
	events = DetectCoilEvents(events, 1000, nil, []bool{true, false})
	assert.Empty(t, events, "first poll has nothing to compare")

	events = DetectCoilEvents(events, 1000, []bool{true, false, false}, []bool{false, false, true})
	events = DetectHoldingEvents(events, 1050, []uint16{5, 2}, []uint16{6, 2})

	assert.Equal(t, []Event{
		{UtcMs: 1000, Address: "%M0", State: 0},
		{UtcMs: 1000, Address: "%M2", State: 1},
		{UtcMs: 1050, Address: "%MW0", State: 6},
	}, events)
}

func TestMissedTicks(t *testing.T) {
	assert.Zero(t, MissedTicks(nil, []uint16{4}))
	assert.Zero(t, MissedTicks([]uint16{4}, []uint16{5}))
	assert.Zero(t, MissedTicks([]uint16{4}, []uint16{4}))
	assert.Zero(t, MissedTicks([]uint16{65535}, []uint16{0}))
	assert.Equal(t, 3, MissedTicks([]uint16{4}, []uint16{7}))
}
