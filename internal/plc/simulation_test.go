package plc

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

func newShared(coils, holdings int) *state.SharedState {
	return state.NewSharedState(1, registers.NewContext(registers.Capacities{Coils: coils, HoldingRegisters: holdings}))
}

func TestSegments(t *testing.T) {
	low, high := Segments(20)
	assert.Equal(t, 6, low)
	assert.Equal(t, 14, high)

	low, high = Segments(5)
	assert.Equal(t, 1, low)
	assert.Equal(t, 4, high)
}

func TestLowSweep(t *testing.T) {
	var got []int
	for c := range uint64(8) {
		got = append(got, LowActiveIndex(c, 4))
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 2, 1, 0, 1}, got); diff != "" {
		t.Errorf("low sweep mismatch (-want +got):\n%s", diff)
	}
}

func TestHighSweep(t *testing.T) {
	var got []int
	for c := range uint64(9) {
		got = append(got, HighLevel(c, 3))
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 2, 1, 0, 1, 2}, got); diff != "" {
		t.Errorf("high sweep mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepsArePeriodic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coils := rapid.IntRange(6, 65536).Draw(t, "coils")
		counter := rapid.Uint64Range(0, 1<<40).Draw(t, "counter")
		low, high := Segments(coils)

		idx := LowActiveIndex(counter, low)
		if idx < 0 || idx >= low {
			t.Fatalf("low index %d outside [0,%d)", idx, low)
		}
		if next := LowActiveIndex(counter+uint64(2*(low-1)), low); next != idx {
			t.Fatalf("low period broken: %d vs %d", idx, next)
		}

		level := HighLevel(counter, high)
		if level < 0 || level > high {
			t.Fatalf("high level %d outside [0,%d]", level, high)
		}
		if next := HighLevel(counter+uint64(2*high), high); next != level {
			t.Fatalf("high period broken: %d vs %d", level, next)
		}
	})
}

func TestRunRejectsTinyCoilBank(t *testing.T) {
	for _, coils := range []int{0, 1, 5} {
		sim := NewSimulation(newShared(coils, 5), FastTick, 0)
		assert.ErrorIs(t, sim.Run(), ErrCoilBankTooSmall, "coils=%d", coils)
	}

	// six coils is the smallest bank with a two-coil low segment
	shared := newShared(6, 0)
	shared.Shutdown()
	assert.NoError(t, NewSimulation(shared, FastTick, 0).Run())
}

func TestTickWritesPattern(t *testing.T) {
	shared := newShared(20, 5)
	sim := NewSimulation(shared, DefaultTick, 0)

	for range 7 {
		ok, err := sim.tick()
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, uint64(7), sim.counter)

	// the last frame written was for counter 6
	snap := shared.Snapshot()
	assert.Equal(t, []uint16{6, 3, 2, 1, 1}, snap.HoldingRegisters)

	want := make([]bool, 20)
	want[4] = true // 2*(6-1) - 6
	for i := 6; i < 12; i++ {
		want[i] = true
	}
	if diff := cmp.Diff(want, snap.Coils); diff != "" {
		t.Errorf("coils mismatch (-want +got):\n%s", diff)
	}
}

func TestTickSkippedWhileLocked(t *testing.T) {
	shared := newShared(20, 5)
	sim := NewSimulation(shared, DefaultTick, 0)

	err := shared.View(func(*registers.Context) error {
		ok, err := sim.tick()
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
	assert.Zero(t, sim.counter)

	ok, err := sim.tick()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), sim.counter)
}

func TestRunOneTickPerBucket(t *testing.T) {
	shared := newShared(20, 5)
	sim := NewSimulation(shared, 10*time.Millisecond, 0)

	// Three calls per bucket: every bucket should tick exactly once.
	clock := time.UnixMilli(1_000_000)
	calls := 0
	sim.now = func() time.Time {
		calls++
		if calls%3 == 0 {
			clock = clock.Add(10 * time.Millisecond)
		}
		if sim.counter == 5 {
			shared.Shutdown()
		}
		return clock
	}
	sleeps := 0
	sim.sleep = func(time.Duration) { sleeps++ }

	require.NoError(t, sim.Run())
	assert.Equal(t, uint64(5), sim.counter)
	assert.Positive(t, sleeps)
	assert.Equal(t, []uint16{4, 2, 1, 1, 0}, shared.Snapshot().HoldingRegisters)
}

func TestRunStopsAfterShutdown(t *testing.T) {
	shared := newShared(20, 5)
	sim := NewSimulation(shared, FastTick, 0)

	done := make(chan error, 1)
	go func() { done <- sim.Run() }()

	require.Eventually(t, func() bool {
		return shared.Snapshot().HoldingRegisters[0] > 3
	}, 2*time.Second, 5*time.Millisecond)

	shared.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("simulation ignored the shutdown flag")
	}
}
