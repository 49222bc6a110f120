package plc

import (
	"errors"
	"fmt"
	"time"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

const (
	DefaultTick      = 100 * time.Millisecond
	FastTick         = time.Millisecond
	DefaultIdleSleep = 250 * time.Microsecond
)

// ErrCoilBankTooSmall is returned when the low coil segment has fewer than
// two coils and its sweep has no period.
var ErrCoilBankTooSmall = errors.New("coil bank too small for simulation")

// Simulation drives the coil and holding banks from a tick counter.
type Simulation struct {
	shared   *state.SharedState
	bucketMs int64
	idle     time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	counter    uint64
	lastBucket int64
	skipped    uint64

	low, high int
	coils     []bool
	holdings  []uint16
}

func NewSimulation(shared *state.SharedState, tick, idle time.Duration) *Simulation {
	bucketMs := tick.Milliseconds()
	if bucketMs < 1 {
		bucketMs = 1
	}
	if idle <= 0 {
		idle = DefaultIdleSleep
	}
	caps := shared.Capacities()
	low, high := Segments(caps.Coils)
	return &Simulation{
		shared:   shared,
		bucketMs: bucketMs,
		idle:     idle,
		now:      time.Now,
		sleep:    time.Sleep,
		low:      low,
		high:     high,
		coils:    make([]bool, caps.Coils),
		holdings: make([]uint16, caps.HoldingRegisters),
	}
}

// Segments splits a coil bank into the low third and the high remainder.
func Segments(coils int) (low, high int) {
	low = coils / 3
	return low, coils - low
}

// LowActiveIndex is the single coil lit in the low segment at counter. It
// sweeps 0..low-1 and back with period 2(low-1). low must be at least 2.
func LowActiveIndex(counter uint64, low int) int {
	period := uint64(2 * (low - 1))
	c := counter % period
	if c >= uint64(low) {
		c = period - c
	}
	return int(c)
}

// HighLevel is how many leading coils of the high segment are on at counter.
// It rises 0..high and falls back with period 2*high.
func HighLevel(counter uint64, high int) int {
	period := uint64(2 * high)
	if period == 0 {
		return 0
	}
	c := counter % period
	if c > uint64(high) {
		c = period - c
	}
	return int(c)
}

// Run ticks until the shutdown flag is seen. Each wall-clock bucket yields at
// most one tick. A tick that finds the register lock taken is dropped.
func (s *Simulation) Run() error {
	if s.low <= 1 {
		return fmt.Errorf("%w: %d coils", ErrCoilBankTooSmall, len(s.coils))
	}
	s.lastBucket = s.bucket(s.now())
	logging.Info("plc simulation started", "tickMs", s.bucketMs, "coils", len(s.coils), "low", s.low, "high", s.high, "holdings", len(s.holdings))

	for !s.shared.ShouldQuit() {
		b := s.bucket(s.now())
		if b == s.lastBucket {
			s.sleep(s.idle)
			continue
		}
		s.lastBucket = b
		ok, err := s.tick()
		if err != nil {
			return fmt.Errorf("tick %d: %w", s.counter, err)
		}
		if !ok {
			s.skipped++
			logging.Debug("plc tick skipped, registers busy", "counter", s.counter)
		}
	}
	logging.Info("plc simulation stopped", "ticks", s.counter, "skipped", s.skipped)
	return nil
}

func (s *Simulation) bucket(t time.Time) int64 { return t.UnixMilli() / s.bucketMs }

// tick writes one frame of the pattern. It reports false when the lock was
// busy; the counter only advances on a written frame.
func (s *Simulation) tick() (bool, error) {
	s.fill(s.counter)
	ok, err := s.shared.TryUpdate(func(regs *registers.Context) error {
		if err := regs.WriteBits(registers.Coils, 0, s.coils); err != nil {
			return err
		}
		return regs.WriteWords(registers.HoldingRegisters, 0, s.holdings)
	})
	if ok && err == nil {
		s.counter++
	}
	return ok, err
}

func (s *Simulation) fill(counter uint64) {
	active := LowActiveIndex(counter, s.low)
	for i := range s.low {
		s.coils[i] = i == active
	}
	level := HighLevel(counter, s.high)
	for i := range s.high {
		s.coils[s.low+i] = i < level
	}
	for i := range s.holdings {
		s.holdings[i] = uint16(counter / uint64(i+1))
	}
}
