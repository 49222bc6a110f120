package modbus

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mbclient "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

func startAcceptor(t *testing.T, shared *state.SharedState) (*Acceptor, <-chan error) {
	t.Helper()
	acc := NewAcceptor("127.0.0.1:0", 20*time.Millisecond, shared)
	require.NoError(t, acc.Listen())
	done := make(chan error, 1)
	go func() {
		done <- acc.Run()
		close(done)
	}()
	t.Cleanup(func() {
		shared.Shutdown()
		<-done
	})
	return acc, done
}

func dial(t *testing.T, addr net.Addr) mbclient.Client {
	t.Helper()
	handler := mbclient.NewTCPClientHandler(addr.String())
	handler.Timeout = 2 * time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { handler.Close() })
	return mbclient.NewClient(handler)
}

func TestServerWriteThenReadHoldings(t *testing.T) {
	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{Coils: 20, HoldingRegisters: 5}))
	acc, _ := startAcceptor(t, shared)
	client := dial(t, acc.Addr())

	_, err := client.WriteMultipleRegisters(0, 4, []byte{0, 20, 0, 0, 0, 0, 0, 5})
	require.NoError(t, err)

	got, err := client.ReadHoldingRegisters(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 20, 0, 0, 0, 0, 0, 5}, got)
}

func TestServerCoilOutOfRange(t *testing.T) {
	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{Coils: 20, HoldingRegisters: 5}))
	acc, _ := startAcceptor(t, shared)
	client := dial(t, acc.Addr())

	_, err := client.ReadCoils(25, 1)
	var mbErr *mbclient.ModbusError
	require.True(t, errors.As(err, &mbErr), "expected modbus exception, got %v", err)
	assert.Equal(t, uint8(mbclient.ExceptionCodeIllegalDataAddress), mbErr.ExceptionCode)

	_, err = client.WriteSingleCoil(3, 0xFF00)
	require.NoError(t, err)
	got, err := client.ReadCoils(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0b0000_1000}, got)
}

func TestServerConcurrentClients(t *testing.T) {
	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{HoldingRegisters: 8}))
	acc, _ := startAcceptor(t, shared)

	var wg sync.WaitGroup
	for i := range 4 {
		client := dial(t, acc.Addr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if _, err := client.WriteSingleRegister(uint16(i), uint16(i+1)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	snap := shared.Snapshot()
	assert.Equal(t, []uint16{1, 2, 3, 4, 0, 0, 0, 0}, snap.HoldingRegisters)
}

func TestAcceptorStopsAfterShutdown(t *testing.T) {
	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{Coils: 4}))
	_, done := startAcceptor(t, shared)

	shared.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acceptor ignored the shutdown flag")
	}
}

func TestAcceptorBindFailureRaisesShutdown(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	shared := state.NewSharedState(1, registers.NewContext(registers.Capacities{}))
	err = NewAcceptor(taken.Addr().String(), 0, shared).Run()
	assert.Error(t, err)
	assert.True(t, shared.ShouldQuit())
}
