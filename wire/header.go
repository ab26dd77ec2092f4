package wire

import (
	"fmt"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// HeaderSize is the encoded size of a record header:
// kind u16, version u16, byte order u8, fixed length u32.
const HeaderSize = 9

// LengthSize is the size of the extra segment length field.
const LengthSize = 4

const orderOffset = 4

// Header is the leading part of every record.
type Header struct {
	Kind        uint16
	Version     uint16
	Order       ByteOrder
	FixedLength uint32
}

// AppendHeader appends h encoded in h.Order.
func AppendHeader(dst []byte, h Header) []byte {
	bo := h.Order.Binary()
	dst = bo.AppendUint16(dst, h.Kind)
	dst = bo.AppendUint16(dst, h.Version)
	dst = append(dst, byte(h.Order))
	return bo.AppendUint32(dst, h.FixedLength)
}

// ReadHeader decodes the header at the start of b. The byte order marker is
// read first since it governs how the other fields are interpreted.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than a record header", errspkg.ErrTruncatedOrCorrupt, len(b))
	}
	order := ByteOrder(b[orderOffset])
	if !order.Valid() {
		return Header{}, fmt.Errorf("%w: invalid byte order marker %d", errspkg.ErrTruncatedOrCorrupt, b[orderOffset])
	}
	bo := order.Binary()
	return Header{
		Kind:        bo.Uint16(b[0:2]),
		Version:     bo.Uint16(b[2:4]),
		Order:       order,
		FixedLength: bo.Uint32(b[5:9]),
	}, nil
}

// RecordSize returns the encoded size of a record.
func RecordSize(fixedLen, extraLen int, hasExtra bool) int {
	n := HeaderSize + fixedLen
	if hasExtra {
		n += LengthSize + extraLen
	}
	return n
}

// AppendRecord appends a complete record. fixed must already be in h.Order.
// The extra segment and its length are written only when hasExtra is set.
func AppendRecord(dst []byte, h Header, fixed, extra []byte, hasExtra bool) []byte {
	h.FixedLength = uint32(len(fixed))
	dst = AppendHeader(dst, h)
	dst = append(dst, fixed...)
	if hasExtra {
		dst = h.Order.Binary().AppendUint32(dst, uint32(len(extra)))
		dst = append(dst, extra...)
	}
	return dst
}

// SplitRecord returns the fixed and extra segments of b, whose header h was
// read with ReadHeader. The returned slices alias b. Any length that does
// not account for the record exactly is ErrTruncatedOrCorrupt.
func SplitRecord(b []byte, h Header, hasExtra bool) (fixed, extra []byte, err error) {
	rest := b[HeaderSize:]
	if uint64(len(rest)) < uint64(h.FixedLength) {
		return nil, nil, fmt.Errorf("%w: fixed length %d exceeds %d remaining bytes", errspkg.ErrTruncatedOrCorrupt, h.FixedLength, len(rest))
	}
	fixed = rest[:h.FixedLength]
	rest = rest[h.FixedLength:]
	if !hasExtra {
		if len(rest) != 0 {
			return nil, nil, fmt.Errorf("%w: %d trailing bytes after fixed segment", errspkg.ErrTruncatedOrCorrupt, len(rest))
		}
		return fixed, nil, nil
	}
	if len(rest) < LengthSize {
		return nil, nil, fmt.Errorf("%w: missing extra length", errspkg.ErrTruncatedOrCorrupt)
	}
	extraLen := h.Order.Binary().Uint32(rest[:LengthSize])
	rest = rest[LengthSize:]
	if uint64(len(rest)) != uint64(extraLen) {
		return nil, nil, fmt.Errorf("%w: extra length %d does not match %d remaining bytes", errspkg.ErrTruncatedOrCorrupt, extraLen, len(rest))
	}
	return fixed, rest, nil
}
