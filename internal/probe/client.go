package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fisaks/plcsim/internal/logging"
)

const (
	MaxBitsPerRead   = uint16(2000)
	MaxWordsPerRead  = uint16(125)
	MaxBitsPerWrite  = uint16(1968)
	MaxWordsPerWrite = uint16(123)
)

type Options struct {
	Address string
	UnitID  uint8
	Timeout time.Duration
	Debug   bool
}

// Probe is a Modbus-TCP client for one simulated unit. It reconnects with
// backoff after transport errors. Calls are serialised.
type Probe struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	addr    string

	connOK     bool
	backoff    time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
}

func Dial(opts Options) (*Probe, error) {
	handler := modbus.NewTCPClientHandler(opts.Address)
	handler.SlaveId = opts.UnitID
	handler.Timeout = opts.Timeout
	if handler.Timeout <= 0 {
		handler.Timeout = 2 * time.Second
	}
	if opts.Debug {
		handler.Logger = logging.WrapSlog("probe", opts.Address)
	}
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Address, err)
	}
	return &Probe{
		handler:    handler,
		client:     modbus.NewClient(handler),
		addr:       opts.Address,
		connOK:     true,
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}, nil
}

func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connOK = false
	return p.handler.Close()
}

func (p *Probe) ensureConnected(ctx context.Context) error {
	if p.connOK {
		return nil
	}
	if p.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff):
		}
	}
	_ = p.handler.Close()
	if err := p.handler.Connect(); err != nil {
		p.bumpBackoff()
		return err
	}
	p.client = modbus.NewClient(p.handler)
	p.connOK = true
	p.backoff = 0
	return nil
}

func (p *Probe) bumpBackoff() {
	p.connOK = false
	if p.backoff == 0 {
		p.backoff = p.backoffMin
		return
	}
	p.backoff = min(p.backoff*2, p.backoffMax)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "reset") ||
		strings.Contains(s, "closed") ||
		strings.Contains(s, "eof") ||
		strings.Contains(s, "timeout")
}

// call runs fn once, reconnecting and retrying a single time when the
// failure looks like a dropped connection.
func (p *Probe) call(ctx context.Context, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}
	v, err := fn(p.client)
	if err == nil || !isTransient(err) {
		return v, err
	}
	logging.Warn("probe request failed, reconnecting", "addr", p.addr, "error", err)
	p.bumpBackoff()
	if err2 := p.ensureConnected(ctx); err2 != nil {
		return nil, err
	}
	return fn(p.client)
}

// ExceptionCode extracts the Modbus exception code from a failed request.
func ExceptionCode(err error) (byte, bool) {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return mbErr.ExceptionCode, true
	}
	return 0, false
}

// ===== FC1 / FC2 =====

func (p *Probe) ReadCoils(ctx context.Context, start, count uint16) ([]bool, error) {
	return p.readBits(ctx, start, count, modbus.Client.ReadCoils)
}

func (p *Probe) ReadDiscreteInputs(ctx context.Context, start, count uint16) ([]bool, error) {
	return p.readBits(ctx, start, count, modbus.Client.ReadDiscreteInputs)
}

// ===== FC3 / FC4 =====

func (p *Probe) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	return p.readWords(ctx, start, count, modbus.Client.ReadHoldingRegisters)
}

func (p *Probe) ReadInputRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	return p.readWords(ctx, start, count, modbus.Client.ReadInputRegisters)
}

// ===== FC5 / FC15 =====

func (p *Probe) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	val := uint16(0)
	if value {
		val = 0xFF00
	}
	_, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return c.WriteSingleCoil(addr, val) })
	return err
}

// ToggleCoil reads the coil and writes back its inverse. It returns the new value.
func (p *Probe) ToggleCoil(ctx context.Context, addr uint16) (bool, error) {
	current, err := p.ReadCoils(ctx, addr, 1)
	if err != nil {
		return false, err
	}
	next := !current[0]
	return next, p.WriteCoil(ctx, addr, next)
}

func (p *Probe) WriteCoils(ctx context.Context, start uint16, values []bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeChunked(start, uint16(len(values)), MaxBitsPerWrite, func(addr, qty uint16) error {
		off := int(addr - start)
		packed := PackBits(values[off : off+int(qty)])
		_, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return c.WriteMultipleCoils(addr, qty, packed) })
		return err
	})
}

// ===== FC6 / FC16 =====

func (p *Probe) WriteHoldingRegister(ctx context.Context, addr, value uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return c.WriteSingleRegister(addr, value) })
	return err
}

func (p *Probe) WriteHoldingRegisters(ctx context.Context, start uint16, values []uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeChunked(start, uint16(len(values)), MaxWordsPerWrite, func(addr, qty uint16) error {
		off := int(addr - start)
		packed := PackWords(values[off : off+int(qty)])
		_, err := p.call(ctx, func(c modbus.Client) ([]byte, error) { return c.WriteMultipleRegisters(addr, qty, packed) })
		return err
	})
}
