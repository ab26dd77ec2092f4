// Package wire implements the self-describing binary record format shared by
// every transport: a fixed header naming the record kind, version and byte
// order, the fixed segment, and an optional length-prefixed extra segment.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the on-wire byte order marker.
type ByteOrder uint8

const (
	// LittleEndian marks records whose multi-byte fields are
	// least-significant byte first. It is the zero value.
	LittleEndian ByteOrder = 0
	// BigEndian marks records whose multi-byte fields are
	// most-significant byte first.
	BigEndian ByteOrder = 1
)

var hostOrder = func() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LittleEndian
	}
	return BigEndian
}()

// HostOrder returns the byte order of the running machine.
func HostOrder() ByteOrder {
	return hostOrder
}

// Valid reports whether o is one of the two defined markers.
func (o ByteOrder) Valid() bool {
	return o == LittleEndian || o == BigEndian
}

// Endian is satisfied by binary.LittleEndian and binary.BigEndian.
type Endian interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Binary returns the encoding/binary implementation for o.
func (o ByteOrder) Binary() Endian {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Other returns the opposite byte order.
func (o ByteOrder) Other() ByteOrder {
	if o == BigEndian {
		return LittleEndian
	}
	return BigEndian
}

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return fmt.Sprintf("ByteOrder(%d)", uint8(o))
	}
}
