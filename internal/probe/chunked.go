package probe

import (
	"context"
	"fmt"

	"github.com/goburrow/modbus"

	"github.com/fisaks/plcsim/internal/logging"
)

type readFn func(c modbus.Client, addr, qty uint16) ([]byte, error)

// readBits reads count bits in requests of at most MaxBitsPerRead and
// unpacks each chunk on its own, so chunk sizes need not be byte aligned.
func (p *Probe) readBits(ctx context.Context, start, count uint16, read readFn) ([]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]bool, 0, count)
	var firstErr error
	forEachChunk(start, count, MaxBitsPerRead, func(addr, qty uint16) bool {
		data, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return read(c, addr, qty) })
		if err == nil && len(data) < int(qty+7)/8 {
			err = fmt.Errorf("short bit response: %d bytes for %d bits", len(data), qty)
		}
		if err != nil {
			logging.Debug("read bits failed", "addr", addr, "qty", qty, "error", err)
			firstErr = err
			return false // stop on first failure
		}
		out = append(out, UnpackBits(data, int(qty))...)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// readWords reads holding/input registers in chunks of at most MaxWordsPerRead.
func (p *Probe) readWords(ctx context.Context, start, count uint16, read readFn) ([]uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]uint16, 0, count)
	var firstErr error
	forEachChunk(start, count, MaxWordsPerRead, func(addr, qty uint16) bool {
		data, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return read(c, addr, qty) })
		if err == nil && len(data) < int(qty)*2 {
			err = fmt.Errorf("short register response: %d bytes for %d registers", len(data), qty)
		}
		if err != nil {
			logging.Debug("read regs failed", "addr", addr, "qty", qty, "error", err)
			firstErr = err
			return false
		}
		out = append(out, UnpackWords(data[:int(qty)*2])...)
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (p *Probe) writeChunked(start, count, chunkSize uint16, write func(addr, qty uint16) error) error {
	var firstErr error
	forEachChunk(start, count, chunkSize, func(addr, qty uint16) bool {
		if err := write(addr, qty); err != nil {
			firstErr = fmt.Errorf("write %d@%d: %w", qty, addr, err)
			return false
		}
		return true
	})
	return firstErr
}

// forEachChunk splits [start, start+total) into chunks of size <= chunkSize.
// The callback returns false to abort early; true to continue.
func forEachChunk(start, total, chunkSize uint16, fn func(addr, qty uint16) bool) {
	if total == 0 || chunkSize == 0 {
		return
	}
	left := total
	addr := start
	for left > 0 {
		step := min(left, chunkSize)
		if !fn(addr, step) {
			return
		}
		addr += step
		left -= step
	}
}
