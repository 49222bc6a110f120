package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

func newShared() *state.SharedState {
	return state.NewSharedState(1, registers.NewContext(registers.Capacities{}))
}

// waiter runs until the shutdown flag is raised.
func waiter(shared *state.SharedState) func() error {
	return func() error {
		for !shared.ShouldQuit() {
			time.Sleep(time.Millisecond)
		}
		return nil
	}
}

func TestRunAllSucceed(t *testing.T) {
	shared := newShared()
	err := Run(shared,
		Unit{Name: "acceptor", Run: waiter(shared)},
		Unit{Name: "quick", Run: func() error { return nil }},
	)
	assert.NoError(t, err)
	assert.True(t, shared.ShouldQuit())
}

func TestRunFailureStopsOthers(t *testing.T) {
	shared := newShared()
	boom := errors.New("bind failed")

	err := Run(shared,
		Unit{Name: "acceptor", Run: func() error { return boom }},
		Unit{Name: "plc", Run: waiter(shared)},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "acceptor: bind failed")
}

func TestRunCombinesFailures(t *testing.T) {
	shared := newShared()
	errA := errors.New("listener closed")
	errB := errors.New("tick failed")

	err := Run(shared,
		Unit{Name: "acceptor", Run: func() error { return errA }},
		Unit{Name: "plc", Run: func() error {
			for !shared.ShouldQuit() {
				time.Sleep(time.Millisecond)
			}
			return errB
		}},
	)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "plc: tick failed")
}

func TestRunNoUnits(t *testing.T) {
	assert.NoError(t, Run(newShared()))
}
