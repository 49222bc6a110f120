package modbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/state"
)

const DefaultPollInterval = 200 * time.Millisecond

// Acceptor owns the listening socket and starts one Dialogue per connection.
type Acceptor struct {
	addr         string
	pollInterval time.Duration
	shared       *state.SharedState
	listener     *net.TCPListener
}

func NewAcceptor(addr string, pollInterval time.Duration, shared *state.SharedState) *Acceptor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Acceptor{
		addr:         addr,
		pollInterval: pollInterval,
		shared:       shared,
	}
}

// Listen binds the socket. Run calls it when it has not been called yet.
// A bind failure is fatal and raises the shutdown flag.
func (a *Acceptor) Listen() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		a.shared.Shutdown()
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	a.listener = ln.(*net.TCPListener)
	logging.Info("modbus tcp server waiting for connections", "addr", ln.Addr().String(), "unit", a.shared.UnitID())
	return nil
}

// Addr is only meaningful after Listen.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return &net.TCPAddr{}
	}
	return a.listener.Addr()
}

// Run accepts connections until the shutdown flag is raised. Each wait for a
// connection is bounded by the poll interval so the flag is seen promptly.
// Connection goroutines are not waited for.
func (a *Acceptor) Run() error {
	if a.listener == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	defer a.listener.Close()

	for !a.shared.ShouldQuit() {
		_ = a.listener.SetDeadline(time.Now().Add(a.pollInterval))
		conn, err := a.listener.AcceptTCP()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			a.shared.Shutdown()
			return fmt.Errorf("accept: %w", err)
		}
		go a.serve(conn)
	}
	logging.Info("modbus tcp server stopped accepting", "addr", a.listener.Addr().String())
	return nil
}

func (a *Acceptor) serve(conn *net.TCPConn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	logging.Info("new connection", "peer", peer)
	if err := NewDialogue(conn, a.shared).Serve(); err != nil {
		logging.Warn("connection failed", "peer", peer, "error", err)
	}
	logging.Info("client disconnected", "peer", peer)
}
