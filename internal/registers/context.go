package registers

import (
	"errors"
	"fmt"
)

// Bank selects one of the four Modbus data tables.
type Bank uint8

const (
	Coils Bank = iota
	DiscreteInputs
	InputRegisters
	HoldingRegisters
)

var (
	ErrAddressRange = errors.New("address out of range")
	ErrBankKind     = errors.New("wrong bank kind")
)

func (b Bank) String() string {
	switch b {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discreteInputs"
	case InputRegisters:
		return "inputRegisters"
	case HoldingRegisters:
		return "holdingRegisters"
	}
	return fmt.Sprintf("bank(%d)", uint8(b))
}

// IsBit reports whether the bank stores single bits rather than 16-bit words.
func (b Bank) IsBit() bool { return b == Coils || b == DiscreteInputs }

// ParseBank is the inverse of Bank.String.
func ParseBank(s string) (Bank, bool) {
	for _, b := range []Bank{Coils, DiscreteInputs, InputRegisters, HoldingRegisters} {
		if b.String() == s {
			return b, true
		}
	}
	return 0, false
}

type Capacities struct {
	Coils            int `json:"coils"`
	DiscreteInputs   int `json:"discreteInputs"`
	InputRegisters   int `json:"inputRegisters"`
	HoldingRegisters int `json:"holdingRegisters"`
}

func (c Capacities) Of(b Bank) int {
	switch b {
	case Coils:
		return c.Coils
	case DiscreteInputs:
		return c.DiscreteInputs
	case InputRegisters:
		return c.InputRegisters
	case HoldingRegisters:
		return c.HoldingRegisters
	}
	return 0
}

// Snapshot is a point-in-time copy of every bank.
type Snapshot struct {
	Coils            []bool   `json:"coils"`
	DiscreteInputs   []bool   `json:"discreteInputs"`
	InputRegisters   []uint16 `json:"inputRegisters"`
	HoldingRegisters []uint16 `json:"holdingRegisters"`
}

// Context is fixed-capacity register storage. It does no locking of its own;
// callers go through state.SharedState.
type Context struct {
	coils     []bool
	discretes []bool
	inputs    []uint16
	holdings  []uint16
}

func NewContext(caps Capacities) *Context {
	return &Context{
		coils:     make([]bool, max(caps.Coils, 0)),
		discretes: make([]bool, max(caps.DiscreteInputs, 0)),
		inputs:    make([]uint16, max(caps.InputRegisters, 0)),
		holdings:  make([]uint16, max(caps.HoldingRegisters, 0)),
	}
}

func (c *Context) Capacities() Capacities {
	return Capacities{
		Coils:            len(c.coils),
		DiscreteInputs:   len(c.discretes),
		InputRegisters:   len(c.inputs),
		HoldingRegisters: len(c.holdings),
	}
}

func (c *Context) ReadBit(b Bank, i int) (bool, error) {
	cells, err := c.bits(b)
	if err != nil {
		return false, err
	}
	if err := checkRange(b, len(cells), i, 1); err != nil {
		return false, err
	}
	return cells[i], nil
}

func (c *Context) WriteBit(b Bank, i int, v bool) error {
	return c.WriteBits(b, i, []bool{v})
}

func (c *Context) ReadWord(b Bank, i int) (uint16, error) {
	cells, err := c.words(b)
	if err != nil {
		return 0, err
	}
	if err := checkRange(b, len(cells), i, 1); err != nil {
		return 0, err
	}
	return cells[i], nil
}

func (c *Context) WriteWord(b Bank, i int, v uint16) error {
	return c.WriteWords(b, i, []uint16{v})
}

// ReadBits returns a copy of count bits starting at start.
func (c *Context) ReadBits(b Bank, start, count int) ([]bool, error) {
	cells, err := c.bits(b)
	if err != nil {
		return nil, err
	}
	return readRange(b, cells, start, count)
}

// ReadWords returns a copy of count words starting at start.
func (c *Context) ReadWords(b Bank, start, count int) ([]uint16, error) {
	cells, err := c.words(b)
	if err != nil {
		return nil, err
	}
	return readRange(b, cells, start, count)
}

// WriteBits stores values from start on. The whole range is checked first so a
// failing call leaves the bank untouched.
func (c *Context) WriteBits(b Bank, start int, values []bool) error {
	cells, err := c.bits(b)
	if err != nil {
		return err
	}
	return writeRange(b, cells, start, values)
}

// WriteWords is the word-bank counterpart of WriteBits.
func (c *Context) WriteWords(b Bank, start int, values []uint16) error {
	cells, err := c.words(b)
	if err != nil {
		return err
	}
	return writeRange(b, cells, start, values)
}

// ReadCells reads any bank as words; bits come back as 0 or 1.
func (c *Context) ReadCells(b Bank, start, count int) ([]uint16, error) {
	if !b.IsBit() {
		return c.ReadWords(b, start, count)
	}
	bits, err := c.ReadBits(b, start, count)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(bits))
	for i, v := range bits {
		if v {
			out[i] = 1
		}
	}
	return out, nil
}

// WriteCells writes any bank from words; for bits any non-zero word is on.
func (c *Context) WriteCells(b Bank, start int, values []uint16) error {
	if !b.IsBit() {
		return c.WriteWords(b, start, values)
	}
	bits := make([]bool, len(values))
	for i, v := range values {
		bits[i] = v != 0
	}
	return c.WriteBits(b, start, bits)
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		Coils:            append([]bool{}, c.coils...),
		DiscreteInputs:   append([]bool{}, c.discretes...),
		InputRegisters:   append([]uint16{}, c.inputs...),
		HoldingRegisters: append([]uint16{}, c.holdings...),
	}
}

func (c *Context) bits(b Bank) ([]bool, error) {
	switch b {
	case Coils:
		return c.coils, nil
	case DiscreteInputs:
		return c.discretes, nil
	}
	return nil, fmt.Errorf("%w: %s holds words", ErrBankKind, b)
}

func (c *Context) words(b Bank) ([]uint16, error) {
	switch b {
	case InputRegisters:
		return c.inputs, nil
	case HoldingRegisters:
		return c.holdings, nil
	}
	return nil, fmt.Errorf("%w: %s holds bits", ErrBankKind, b)
}

func checkRange(b Bank, capacity, start, count int) error {
	if start < 0 || count < 0 || start > capacity || count > capacity-start {
		return fmt.Errorf("%w: %s[%d:+%d] with capacity %d", ErrAddressRange, b, start, count, capacity)
	}
	return nil
}

func readRange[T bool | uint16](b Bank, cells []T, start, count int) ([]T, error) {
	if err := checkRange(b, len(cells), start, count); err != nil {
		return nil, err
	}
	out := make([]T, count)
	copy(out, cells[start:start+count])
	return out, nil
}

func writeRange[T bool | uint16](b Bank, cells []T, start int, values []T) error {
	if err := checkRange(b, len(cells), start, len(values)); err != nil {
		return err
	}
	copy(cells[start:], values)
	return nil
}
