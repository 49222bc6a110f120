package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcsim/internal/registers"
)

func newShared(t *testing.T, caps registers.Capacities) *SharedState {
	t.Helper()
	return NewSharedState(1, registers.NewContext(caps))
}

func TestShutdownFlagIsSticky(t *testing.T) {
	s := newShared(t, registers.Capacities{})
	assert.False(t, s.ShouldQuit())
	assert.True(t, s.Shutdown())
	assert.False(t, s.Shutdown())
	assert.True(t, s.ShouldQuit())
}

func TestUpdateThenView(t *testing.T) {
	s := newShared(t, registers.Capacities{HoldingRegisters: 4})
	require.NoError(t, s.Update(func(regs *registers.Context) error {
		return regs.WriteWords(registers.HoldingRegisters, 0, []uint16{20, 0, 0, 5})
	}))

	var got []uint16
	require.NoError(t, s.View(func(regs *registers.Context) error {
		var err error
		got, err = regs.ReadWords(registers.HoldingRegisters, 0, 4)
		return err
	}))
	assert.Equal(t, []uint16{20, 0, 0, 5}, got)
}

func TestUpdatePropagatesError(t *testing.T) {
	s := newShared(t, registers.Capacities{HoldingRegisters: 1})
	err := s.Update(func(regs *registers.Context) error {
		return regs.WriteWord(registers.HoldingRegisters, 7, 1)
	})
	assert.ErrorIs(t, err, registers.ErrAddressRange)
}

func TestTryUpdateSkipsWhenLocked(t *testing.T) {
	s := newShared(t, registers.Capacities{Coils: 1})

	s.mu.RLock()
	ran, err := s.TryUpdate(func(*registers.Context) error { return errors.New("must not run") })
	s.mu.RUnlock()
	require.NoError(t, err)
	assert.False(t, ran)

	ran, err = s.TryUpdate(func(regs *registers.Context) error {
		return regs.WriteBit(registers.Coils, 0, true)
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.True(t, s.Snapshot().Coils[0])
}

func TestReadersNeverSeePartialBulkWrite(t *testing.T) {
	const (
		size    = 64
		writes  = 500
		readers = 8
	)
	s := newShared(t, registers.Capacities{HoldingRegisters: size})

	var wg sync.WaitGroup
	done := make(chan struct{})
	mixed := make(chan []uint16, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				var got []uint16
				_ = s.View(func(regs *registers.Context) error {
					got, _ = regs.ReadWords(registers.HoldingRegisters, 0, size)
					return nil
				})
				for _, v := range got[1:] {
					if v != got[0] {
						mixed <- got
						return
					}
				}
			}
		}()
	}

	values := make([]uint16, size)
	for n := 1; n <= writes; n++ {
		for i := range values {
			values[i] = uint16(n)
		}
		require.NoError(t, s.Update(func(regs *registers.Context) error {
			return regs.WriteWords(registers.HoldingRegisters, 0, values)
		}))
	}
	close(done)
	wg.Wait()

	select {
	case got := <-mixed:
		t.Fatalf("reader observed a partially applied bulk write: %v", got)
	default:
	}
}
