package probe

import (
	"encoding/binary"
	"strings"
)

// PackBits packs bits LSB first, as coils travel on the wire.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func UnpackBits(bs []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = bs[i/8]&(1<<(i%8)) != 0
	}
	return out
}

func PackWords(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(out[2*i:], w)
	}
	return out
}

func UnpackWords(bs []byte) []uint16 {
	out := make([]uint16, len(bs)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(bs[2*i:])
	}
	return out
}

// CoilsString renders coils as a strip, • for on and _ for off.
func CoilsString(bits []bool) string {
	var s strings.Builder
	for _, b := range bits {
		if b {
			s.WriteString("•")
		} else {
			s.WriteString("_")
		}
	}
	return s.String()
}
