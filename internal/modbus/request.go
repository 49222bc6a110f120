package modbus

import (
	"encoding/binary"
	"errors"

	"github.com/tbrandon/mbserver"

	"github.com/fisaks/plcsim/internal/registers"
)

// Function codes served by the simulator.
const (
	FuncReadCoils              uint8 = 0x01
	FuncReadDiscreteInputs     uint8 = 0x02
	FuncReadHoldingRegisters   uint8 = 0x03
	FuncReadInputRegisters     uint8 = 0x04
	FuncWriteSingleCoil        uint8 = 0x05
	FuncWriteSingleRegister    uint8 = 0x06
	FuncWriteMultipleCoils     uint8 = 0x0F
	FuncWriteMultipleRegisters uint8 = 0x10
)

// Per-request quantity limits from the Modbus application protocol.
const (
	maxReadBits   = 2000
	maxReadWords  = 125
	maxWriteBits  = 1968
	maxWriteWords = 123
)

const coilOn = 0xFF00

type request struct {
	function uint8
	bank     registers.Bank
	address  uint16
	// quantity for ranged functions, the raw value for single writes.
	value uint16
	count int
	bits  []bool
	words []uint16
}

func (r request) readOnly() bool { return r.function <= FuncReadInputRegisters }

func exception(e mbserver.Exception) *mbserver.Exception { return &e }

// decodeRequest validates a PDU against the bank capacities. A non-nil
// exception is what goes back to the client instead of a normal payload.
func decodeRequest(function uint8, data []byte, caps registers.Capacities) (request, *mbserver.Exception) {
	req := request{function: function}
	switch function {
	case FuncReadCoils:
		req.bank = registers.Coils
	case FuncReadDiscreteInputs:
		req.bank = registers.DiscreteInputs
	case FuncReadHoldingRegisters:
		req.bank = registers.HoldingRegisters
	case FuncReadInputRegisters:
		req.bank = registers.InputRegisters
	case FuncWriteSingleCoil, FuncWriteMultipleCoils:
		req.bank = registers.Coils
	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		req.bank = registers.HoldingRegisters
	default:
		return req, exception(mbserver.IllegalFunction)
	}
	if len(data) < 4 {
		return req, exception(mbserver.IllegalDataValue)
	}
	req.address = binary.BigEndian.Uint16(data[0:2])
	req.value = binary.BigEndian.Uint16(data[2:4])

	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		req.count = int(req.value)
		if req.count < 1 || req.count > maxReadBits {
			return req, exception(mbserver.IllegalDataValue)
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		req.count = int(req.value)
		if req.count < 1 || req.count > maxReadWords {
			return req, exception(mbserver.IllegalDataValue)
		}
	case FuncWriteSingleCoil:
		if req.value != coilOn && req.value != 0 {
			return req, exception(mbserver.IllegalDataValue)
		}
		req.count = 1
		req.bits = []bool{req.value == coilOn}
	case FuncWriteSingleRegister:
		req.count = 1
		req.words = []uint16{req.value}
	case FuncWriteMultipleCoils:
		req.count = int(req.value)
		if req.count < 1 || req.count > maxWriteBits || len(data) < 5 {
			return req, exception(mbserver.IllegalDataValue)
		}
		byteCount := int(data[4])
		if byteCount != (req.count+7)/8 || len(data) < 5+byteCount {
			return req, exception(mbserver.IllegalDataValue)
		}
		req.bits = unpackBits(data[5:5+byteCount], req.count)
	case FuncWriteMultipleRegisters:
		req.count = int(req.value)
		if req.count < 1 || req.count > maxWriteWords || len(data) < 5 {
			return req, exception(mbserver.IllegalDataValue)
		}
		byteCount := int(data[4])
		if byteCount != 2*req.count || len(data) < 5+byteCount {
			return req, exception(mbserver.IllegalDataValue)
		}
		req.words = mbserver.BytesToUint16(data[5 : 5+byteCount])
	}

	if int(req.address)+req.count > caps.Of(req.bank) {
		return req, exception(mbserver.IllegalDataAddress)
	}
	return req, nil
}

// read assembles the normal response payload. Call it under the shared lock.
func (r request) read(regs *registers.Context) ([]byte, error) {
	if r.bank.IsBit() {
		bits, err := regs.ReadBits(r.bank, int(r.address), r.count)
		if err != nil {
			return nil, err
		}
		packed := packBits(bits)
		return append([]byte{byte(len(packed))}, packed...), nil
	}
	words, err := regs.ReadWords(r.bank, int(r.address), r.count)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(2 * len(words))}, mbserver.Uint16ToBytes(words)...), nil
}

// write applies the request and returns the acknowledgement payload, which
// echoes the address and the value or quantity. Call it under the exclusive lock.
func (r request) write(regs *registers.Context) ([]byte, error) {
	var err error
	if r.bank.IsBit() {
		err = regs.WriteBits(r.bank, int(r.address), r.bits)
	} else {
		err = regs.WriteWords(r.bank, int(r.address), r.words)
	}
	if err != nil {
		return nil, err
	}
	ack := make([]byte, 4)
	binary.BigEndian.PutUint16(ack[0:2], r.address)
	binary.BigEndian.PutUint16(ack[2:4], r.value)
	return ack, nil
}

func exceptionFor(err error) *mbserver.Exception {
	if errors.Is(err, registers.ErrAddressRange) {
		return exception(mbserver.IllegalDataAddress)
	}
	return exception(mbserver.SlaveDeviceFailure)
}

// packBits packs LSB first, as coils travel on the wire.
func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, on := range bits {
		if on {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}
