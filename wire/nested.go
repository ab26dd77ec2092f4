package wire

import (
	"fmt"
	"math"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// NestedHeaderSize is the size of a nested record header:
// kind u16, version u16, byte order u8, body length u32.
const NestedHeaderSize = 9

// Writer builds extra segments out of nested records. Scalars are written in
// the writer's byte order. Every PutStart must be matched by a PutEnd before
// Bytes is called.
type Writer struct {
	order  ByteOrder
	buf    []byte
	starts []int
}

// NewWriter returns a Writer emitting data in order.
func NewWriter(order ByteOrder) *Writer {
	return &Writer{order: order}
}

// Order returns the byte order the writer emits.
func (w *Writer) Order() ByteOrder { return w.order }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// PutStart opens a nested record. Its length is patched in by PutEnd.
func (w *Writer) PutStart(kind, version uint16) {
	bo := w.order.Binary()
	w.buf = bo.AppendUint16(w.buf, kind)
	w.buf = bo.AppendUint16(w.buf, version)
	w.buf = append(w.buf, byte(w.order))
	w.starts = append(w.starts, len(w.buf))
	w.buf = bo.AppendUint32(w.buf, 0)
}

// PutEnd closes the innermost nested record.
func (w *Writer) PutEnd() error {
	if len(w.starts) == 0 {
		return fmt.Errorf("%w: PutEnd without matching PutStart", errspkg.ErrTruncatedOrCorrupt)
	}
	at := w.starts[len(w.starts)-1]
	w.starts = w.starts[:len(w.starts)-1]
	body := len(w.buf) - at - LengthSize
	w.order.Binary().PutUint32(w.buf[at:at+LengthSize], uint32(body))
	return nil
}

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint16(v uint16) { w.buf = w.order.Binary().AppendUint16(w.buf, v) }

func (w *Writer) PutUint32(v uint32) { w.buf = w.order.Binary().AppendUint32(w.buf, v) }

func (w *Writer) PutUint64(v uint64) { w.buf = w.order.Binary().AppendUint64(w.buf, v) }

func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

func (w *Writer) PutFloat32(v float32) { w.PutUint32(math.Float32bits(v)) }

func (w *Writer) PutFloat64(v float64) { w.PutUint64(math.Float64bits(v)) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
		return
	}
	w.PutUint8(0)
}

// PutBytes writes a u32 length followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the encoded data. It fails while a nested record is open.
func (w *Writer) Bytes() ([]byte, error) {
	if len(w.starts) != 0 {
		return nil, fmt.Errorf("%w: %d nested records left open", errspkg.ErrTruncatedOrCorrupt, len(w.starts))
	}
	return w.buf, nil
}

type frame struct {
	end   int
	order ByteOrder
}

// Reader consumes data produced by a Writer. Scalars are read in the byte
// order declared by the innermost open nested record, so data written on a
// machine of the other endianness is swapped as it is read.
type Reader struct {
	buf    []byte
	pos    int
	order  ByteOrder
	frames []frame
}

// NewReader reads b. order applies to scalars outside any nested record.
func NewReader(b []byte, order ByteOrder) *Reader {
	return &Reader{buf: b, order: order}
}

// Remaining returns the unread bytes in the innermost open record.
func (r *Reader) Remaining() int {
	return r.limit() - r.pos
}

func (r *Reader) limit() int {
	if n := len(r.frames); n > 0 {
		return r.frames[n-1].end
	}
	return len(r.buf)
}

func (r *Reader) current() ByteOrder {
	if n := len(r.frames); n > 0 {
		return r.frames[n-1].order
	}
	return r.order
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > r.limit() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, record ends at %d", errspkg.ErrTruncatedOrCorrupt, n, r.pos, r.limit())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Peek returns the kind of the next nested record without consuming it.
func (r *Reader) Peek() (uint16, error) {
	if r.pos+NestedHeaderSize > r.limit() {
		return 0, fmt.Errorf("%w: no nested record at offset %d", errspkg.ErrTruncatedOrCorrupt, r.pos)
	}
	order := ByteOrder(r.buf[r.pos+orderOffset])
	if !order.Valid() {
		return 0, fmt.Errorf("%w: invalid byte order marker %d", errspkg.ErrTruncatedOrCorrupt, order)
	}
	return order.Binary().Uint16(r.buf[r.pos:]), nil
}

// GetStart opens a nested record of the given kind and returns its version.
// A different kind is ErrUnknownType; a version above maxVersion is
// ErrVersionMismatch. The reader does not advance on failure.
func (r *Reader) GetStart(kind, maxVersion uint16) (uint16, error) {
	if r.pos+NestedHeaderSize > r.limit() {
		return 0, fmt.Errorf("%w: nested header at offset %d overruns record", errspkg.ErrTruncatedOrCorrupt, r.pos)
	}
	hdr := r.buf[r.pos : r.pos+NestedHeaderSize]
	order := ByteOrder(hdr[orderOffset])
	if !order.Valid() {
		return 0, fmt.Errorf("%w: invalid byte order marker %d", errspkg.ErrTruncatedOrCorrupt, hdr[orderOffset])
	}
	bo := order.Binary()
	gotKind := bo.Uint16(hdr[0:2])
	version := bo.Uint16(hdr[2:4])
	length := bo.Uint32(hdr[5:9])

	if gotKind != kind {
		return 0, &errspkg.RecordError{Op: "nested", Kind: gotKind, Version: version, Length: int(length),
			Err: fmt.Errorf("%w: expected nested kind %d", errspkg.ErrUnknownType, kind)}
	}
	if version > maxVersion {
		return 0, &errspkg.RecordError{Op: "nested", Kind: gotKind, Version: version, Length: int(length),
			Err: fmt.Errorf("%w: newest supported is %d", errspkg.ErrVersionMismatch, maxVersion)}
	}
	end := r.pos + NestedHeaderSize + int(length)
	if uint64(length) > uint64(r.limit()-r.pos-NestedHeaderSize) {
		return 0, &errspkg.RecordError{Op: "nested", Kind: gotKind, Version: version, Length: int(length),
			Err: fmt.Errorf("%w: nested length overruns enclosing record", errspkg.ErrTruncatedOrCorrupt)}
	}
	r.pos += NestedHeaderSize
	r.frames = append(r.frames, frame{end: end, order: order})
	return version, nil
}

// GetEnd closes the innermost nested record. The cursor must sit exactly at
// the end implied by the record's declared length.
func (r *Reader) GetEnd() error {
	n := len(r.frames)
	if n == 0 {
		return fmt.Errorf("%w: GetEnd without matching GetStart", errspkg.ErrTruncatedOrCorrupt)
	}
	f := r.frames[n-1]
	if r.pos != f.end {
		return fmt.Errorf("%w: nested record ends at %d but cursor is at %d", errspkg.ErrTruncatedOrCorrupt, f.end, r.pos)
	}
	r.frames = r.frames[:n-1]
	return nil
}

// Skip discards n bytes of the innermost record.
func (r *Reader) Skip(n int) error {
	_, err := r.take(n)
	return err
}

// Close fails when nested records are still open or unread bytes remain.
func (r *Reader) Close() error {
	if len(r.frames) != 0 {
		return fmt.Errorf("%w: %d nested records left open", errspkg.ErrTruncatedOrCorrupt, len(r.frames))
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("%w: %d unread bytes", errspkg.ErrTruncatedOrCorrupt, len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) GetUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) GetUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.current().Binary().Uint16(b), nil
}

func (r *Reader) GetUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.current().Binary().Uint32(b), nil
}

func (r *Reader) GetUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return r.current().Binary().Uint64(b), nil
}

func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

func (r *Reader) GetInt64() (int64, error) {
	v, err := r.GetUint64()
	return int64(v), err
}

func (r *Reader) GetFloat32() (float32, error) {
	v, err := r.GetUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) GetFloat64() (float64, error) {
	v, err := r.GetUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint8()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("%w: invalid bool byte %d", errspkg.ErrTruncatedOrCorrupt, v)
	}
	return v == 1, nil
}

// GetBytes reads a u32 length and that many bytes. The result is a copy.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: byte string of %d exceeds %d remaining", errspkg.ErrTruncatedOrCorrupt, n, r.Remaining())
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	return string(b), err
}
