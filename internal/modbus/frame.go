package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tbrandon/mbserver"
)

const (
	mbapHeaderSize = 7
	// The MBAP length field counts the unit id plus the PDU.
	minFrameLength = 2
	maxFrameLength = 254

	protocolModbus uint16 = 0
	broadcastUnit  uint8  = 0
	// Modbus/TCP gateways use 0xFF for "unit id not significant".
	anyUnit uint8 = 0xFF
)

var ErrFrameLength = errors.New("invalid MBAP length")

// readHeader reads exactly one MBAP header. It returns io.EOF only when the
// peer closed the stream before sending any byte of it.
func readHeader(r io.Reader, buf []byte) (*mbserver.TCPFrame, error) {
	if _, err := io.ReadFull(r, buf[:mbapHeaderSize]); err != nil {
		return nil, err
	}
	frame := &mbserver.TCPFrame{
		TransactionIdentifier: binary.BigEndian.Uint16(buf[0:2]),
		ProtocolIdentifier:    binary.BigEndian.Uint16(buf[2:4]),
		Length:                binary.BigEndian.Uint16(buf[4:6]),
		Device:                buf[6],
	}
	if frame.Length < minFrameLength || frame.Length > maxFrameLength {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, frame.Length)
	}
	return frame, nil
}

// readBody reads the function code and payload announced by the header.
// frame.Data aliases buf until the next read.
func readBody(r io.Reader, frame *mbserver.TCPFrame, buf []byte) error {
	body := buf[:frame.Length-1]
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	frame.Function = body[0]
	frame.Data = body[1:]
	return nil
}

// encodeReply builds the response ADU for req, echoing its transaction, protocol and unit.
func encodeReply(req *mbserver.TCPFrame, data []byte, exc *mbserver.Exception) []byte {
	resp := *req
	if exc != nil {
		resp.SetException(exc)
	} else {
		resp.SetData(data)
	}
	return resp.Bytes()
}
