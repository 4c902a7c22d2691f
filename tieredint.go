package aether

import (
	"encoding/binary"
	"fmt"
)

// PacketSize encodes and decodes the tiered-int length prefix used
// throughout the wire protocol (spec section 6): values under 250 fit in a
// single byte; 250..65535 take a marker byte (250) plus a little-endian
// uint16; anything larger takes a marker byte (251) plus a little-endian
// uint32.
const (
	tieredMarker16 = 250
	tieredMarker32 = 251
)

// EncodePacketSize appends the tiered-int encoding of v to dst and returns
// the extended slice.
func EncodePacketSize(dst []byte, v uint64) []byte {
	switch {
	case v < tieredMarker16:
		return append(dst, byte(v))
	case v <= 0xFFFF:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(append(dst, tieredMarker16), b[:]...)
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		return append(append(dst, tieredMarker32), b[:]...)
	}
}

// EncodedPacketSizeLen reports how many bytes EncodePacketSize would
// produce for v, without allocating: 1, 3, or 5 per spec section 8
// invariant 4.
func EncodedPacketSizeLen(v uint64) int {
	switch {
	case v < tieredMarker16:
		return 1
	case v <= 0xFFFF:
		return 3
	default:
		return 5
	}
}

// DecodePacketSize reads a tiered-int from the front of data, returning the
// decoded value and the number of bytes consumed. It returns
// (0, 0, err) if data doesn't yet contain a complete prefix.
func DecodePacketSize(data []byte) (v uint64, n int, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: empty buffer", ErrSubAPIOverrun)
	}
	switch marker := data[0]; {
	case marker < tieredMarker16:
		return uint64(marker), 1, nil
	case marker == tieredMarker16:
		if len(data) < 3 {
			return 0, 0, fmt.Errorf("%w: short tiered-int(16)", ErrSubAPIOverrun)
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), 3, nil
	case marker == tieredMarker32:
		if len(data) < 5 {
			return 0, 0, fmt.Errorf("%w: short tiered-int(32)", ErrSubAPIOverrun)
		}
		return uint64(binary.LittleEndian.Uint32(data[1:5])), 5, nil
	default:
		return 0, 0, fmt.Errorf("%w: reserved tiered-int marker %d", ErrProtocolMarker, marker)
	}
}

// ErrProtocolMarker flags a tiered-int marker byte outside {<250, 250, 251}.
var ErrProtocolMarker = fmt.Errorf("aether: invalid tiered-int marker")
