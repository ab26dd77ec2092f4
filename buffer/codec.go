package buffer

import (
	"fmt"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/wire"
)

// Encode serialises b in host byte order.
func Encode(b Buffer) ([]byte, error) {
	return EncodeTo(make([]byte, 0, b.Size()), b, wire.HostOrder())
}

// EncodeTo appends the record for b to dst in the given byte order. Writing
// the foreign order lets tests and relays emulate a machine of the other
// endianness; the fixed segment is swapped on a copy, never in place.
func EncodeTo(dst []byte, b Buffer, order wire.ByteOrder) ([]byte, error) {
	if err := checkIO(b); err != nil {
		return nil, err
	}
	if !order.Valid() {
		return nil, fmt.Errorf("%w: invalid byte order %d", errspkg.ErrTruncatedOrCorrupt, order)
	}
	layout := b.Layout()
	fixed := b.Fixed()
	if order != wire.HostOrder() {
		fixed = append([]byte(nil), fixed...)
		if err := layout.Swap(fixed); err != nil {
			return nil, err
		}
	}
	h := wire.Header{Kind: uint16(b.Kind()), Version: b.Version(), Order: order}
	return wire.AppendRecord(dst, h, fixed, b.Extra(), layout.HasExtra()), nil
}

// Decode reads record into b. The header and every length are validated
// before b is touched, so a rejected record leaves b unchanged. The fixed
// segment is overwritten in place; the extra segment is replaced by a fresh
// copy.
func Decode(b Buffer, record []byte) error {
	if b.IsPrototype() {
		return errspkg.ErrPrototypeIO
	}
	h, err := wire.ReadHeader(record)
	if err != nil {
		return err
	}
	recErr := func(err error) error {
		return &errspkg.RecordError{Op: "decode", Kind: h.Kind, Version: h.Version, Length: len(record), Err: err}
	}
	if Kind(h.Kind) != b.Kind() {
		return recErr(fmt.Errorf("%w: record is kind %d, buffer %q is kind %d", errspkg.ErrKindMismatch, h.Kind, b.Name(), b.Kind()))
	}
	if h.Version > b.Version() || h.Version < b.MinVersion() {
		return recErr(fmt.Errorf("%w: accepts versions %d..%d", errspkg.ErrVersionMismatch, b.MinVersion(), b.Version()))
	}
	layout := b.Layout()
	if int(h.FixedLength) != layout.Size() {
		return recErr(fmt.Errorf("%w: fixed length %d, layout needs %d", errspkg.ErrTruncatedOrCorrupt, h.FixedLength, layout.Size()))
	}
	fixed, extra, err := wire.SplitRecord(record, h, layout.HasExtra())
	if err != nil {
		return recErr(err)
	}

	b.Allocate()
	dst := b.Fixed()
	copy(dst, fixed)
	if h.Order != wire.HostOrder() {
		if err := layout.Swap(dst); err != nil {
			return recErr(err)
		}
	}
	if layout.HasExtra() {
		b.SetExtra(append([]byte(nil), extra...))
	} else {
		b.ResetExtra()
	}
	return nil
}

func checkIO(b Buffer) error {
	if b.IsPrototype() {
		return errspkg.ErrPrototypeIO
	}
	if !b.Allocated() {
		return fmt.Errorf("%w: %q", errspkg.ErrNotAllocated, b.Name())
	}
	return nil
}
