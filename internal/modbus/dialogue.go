package modbus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/tbrandon/mbserver"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

type dialogueState uint8

const (
	awaitingHeader dialogueState = iota
	awaitingBody
	processing
	responding
)

func (s dialogueState) String() string {
	switch s {
	case awaitingHeader:
		return "awaiting header"
	case awaitingBody:
		return "awaiting body"
	case processing:
		return "processing"
	case responding:
		return "responding"
	}
	return "closed"
}

// Dialogue serves Modbus requests arriving on one connection, strictly one at a time.
type Dialogue struct {
	conn   net.Conn
	shared *state.SharedState
	log    *slog.Logger
	buf    [mbapHeaderSize + maxFrameLength]byte
}

func NewDialogue(conn net.Conn, shared *state.SharedState) *Dialogue {
	return &Dialogue{
		conn:   conn,
		shared: shared,
		log:    logging.With("peer", conn.RemoteAddr().String()),
	}
}

// Serve runs until the peer closes, an I/O error occurs, or shutdown is seen
// between two frames. A peer closing between frames is not an error.
//
// Shutdown is only checked before each header, so a connection idle inside a
// read stays up until its peer sends or closes.
func (d *Dialogue) Serve() error {
	var (
		st    = awaitingHeader
		frame *mbserver.TCPFrame
		reply []byte
		err   error
	)
	for {
		switch st {
		case awaitingHeader:
			if d.shared.ShouldQuit() {
				return nil
			}
			frame, err = readHeader(d.conn, d.buf[:mbapHeaderSize])
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", st, err)
			}
			st = awaitingBody

		case awaitingBody:
			if err = readBody(d.conn, frame, d.buf[mbapHeaderSize:]); err != nil {
				return fmt.Errorf("%s: %w", st, err)
			}
			st = processing

		case processing:
			reply = d.process(frame)
			if reply == nil {
				st = awaitingHeader
			} else {
				st = responding
			}

		case responding:
			if _, err = d.conn.Write(reply); err != nil {
				return fmt.Errorf("%s: %w", st, err)
			}
			st = awaitingHeader
		}
	}
}

// process returns the encoded reply, or nil when the protocol wants silence.
func (d *Dialogue) process(frame *mbserver.TCPFrame) []byte {
	if frame.ProtocolIdentifier != protocolModbus {
		d.log.Warn("dropping non-modbus frame", "protocol", frame.ProtocolIdentifier, "transaction", frame.TransactionIdentifier)
		return nil
	}
	broadcast := frame.Device == broadcastUnit
	if !broadcast && frame.Device != anyUnit && frame.Device != d.shared.UnitID() {
		d.log.Debug("ignoring frame for other unit", "unit", frame.Device)
		return nil
	}

	req, exc := decodeRequest(frame.Function, frame.Data, d.shared.Capacities())
	var data []byte
	if exc == nil {
		if broadcast && req.readOnly() {
			return nil
		}
		data, exc = d.execute(req)
	}
	if broadcast {
		return nil
	}
	if exc != nil {
		d.log.Debug("exception response", "function", frame.Function, "exception", uint8(*exc), "transaction", frame.TransactionIdentifier)
	}
	return encodeReply(frame, data, exc)
}

func (d *Dialogue) execute(req request) (data []byte, _ *mbserver.Exception) {
	var err error
	if req.readOnly() {
		err = d.shared.View(func(regs *registers.Context) (err error) {
			data, err = req.read(regs)
			return err
		})
	} else {
		err = d.shared.Update(func(regs *registers.Context) (err error) {
			data, err = req.write(regs)
			return err
		})
	}
	if err != nil {
		d.log.Error("request failed", "function", req.function, "bank", req.bank.String(), "address", req.address, "error", err)
		return nil, exceptionFor(err)
	}
	return data, nil
}
