package state

import (
	"sync"
	"sync/atomic"

	"github.com/fisaks/plcsim/internal/registers"
)

// SharedState is the one register store every goroutine works against: the
// register context behind a single reader/writer lock, the unit id this server
// answers to and the process-wide shutdown flag.
type SharedState struct {
	unitID   uint8
	caps     registers.Capacities
	mu       sync.RWMutex
	regs     *registers.Context
	mustQuit atomic.Bool
}

func NewSharedState(unitID uint8, regs *registers.Context) *SharedState {
	return &SharedState{
		unitID: unitID,
		caps:   regs.Capacities(),
		regs:   regs,
	}
}

func (s *SharedState) UnitID() uint8 { return s.unitID }

// Capacities never change after construction, so no lock is taken.
func (s *SharedState) Capacities() registers.Capacities { return s.caps }

// View runs fn while holding the shared lock. fn must not keep the context.
func (s *SharedState) View(fn func(regs *registers.Context) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.regs)
}

// Update runs fn while holding the exclusive lock.
func (s *SharedState) Update(fn func(regs *registers.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.regs)
}

// TryUpdate is Update without waiting: when the lock is taken it returns false
// and fn is not called.
func (s *SharedState) TryUpdate(fn func(regs *registers.Context) error) (bool, error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	defer s.mu.Unlock()
	return true, fn(s.regs)
}

func (s *SharedState) Snapshot() registers.Snapshot {
	var snap registers.Snapshot
	_ = s.View(func(regs *registers.Context) error {
		snap = regs.Snapshot()
		return nil
	})
	return snap
}

// Shutdown raises the shutdown flag. It reports whether this call was the one
// that raised it.
func (s *SharedState) Shutdown() bool {
	return s.mustQuit.CompareAndSwap(false, true)
}

func (s *SharedState) ShouldQuit() bool { return s.mustQuit.Load() }
