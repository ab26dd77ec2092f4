package link

import (
	"encoding/binary"
	"fmt"
	"net"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

const (
	// EtherType marks tbflow frames (IEEE local experimental range).
	EtherType uint16 = 0x88B5

	// EthernetHeaderSize is dst MAC, src MAC and EtherType.
	EthernetHeaderSize = 14

	// FrameHeaderSize is [tag:u16][src:u16][seq:u32][last:u8].
	FrameHeaderSize = 9

	// DefaultMTU is the standard Ethernet payload size.
	DefaultMTU = 1500
)

// Frame is one fragment of a transfer.
type Frame struct {
	Dst, Src net.HardwareAddr
	Tag      uint16
	SrcRank  uint16
	Seq      uint32
	Last     bool
	Payload  []byte
}

// AppendFrame encodes f as a complete Ethernet frame.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = append(dst, f.Dst[:6]...)
	dst = append(dst, f.Src[:6]...)
	dst = binary.BigEndian.AppendUint16(dst, EtherType)
	dst = binary.BigEndian.AppendUint16(dst, f.Tag)
	dst = binary.BigEndian.AppendUint16(dst, f.SrcRank)
	dst = binary.BigEndian.AppendUint32(dst, f.Seq)
	last := byte(0)
	if f.Last {
		last = 1
	}
	dst = append(dst, last)
	return append(dst, f.Payload...)
}

// ParseFrame decodes an Ethernet frame. Payload aliases b.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < EthernetHeaderSize+FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes", errspkg.ErrTruncatedOrCorrupt, len(b))
	}
	if et := binary.BigEndian.Uint16(b[12:14]); et != EtherType {
		return Frame{}, fmt.Errorf("%w: ethertype %#04x", errspkg.ErrUnknownType, et)
	}
	h := b[EthernetHeaderSize:]
	if h[8] > 1 {
		return Frame{}, fmt.Errorf("%w: last flag %d", errspkg.ErrTruncatedOrCorrupt, h[8])
	}
	return Frame{
		Dst:     net.HardwareAddr(b[0:6]),
		Src:     net.HardwareAddr(b[6:12]),
		Tag:     binary.BigEndian.Uint16(h[0:2]),
		SrcRank: binary.BigEndian.Uint16(h[2:4]),
		Seq:     binary.BigEndian.Uint32(h[4:8]),
		Last:    h[8] == 1,
		Payload: h[FrameHeaderSize:],
	}, nil
}

// MaxPayload returns the payload bytes one frame carries at mtu.
func MaxPayload(mtu int) int {
	return mtu - FrameHeaderSize
}

// Fragment splits p into frames no larger than mtu, numbering them from seq.
// It returns the next unused sequence number.
func Fragment(p []byte, mtu int, tmpl Frame, seq uint32, emit func(Frame) error) (uint32, error) {
	limit := MaxPayload(mtu)
	if limit <= 0 {
		return seq, fmt.Errorf("link: mtu %d leaves no room for payload", mtu)
	}
	for off := 0; ; off += limit {
		end := min(off+limit, len(p))
		f := tmpl
		f.Seq = seq
		f.Last = end == len(p)
		f.Payload = p[off:end]
		if err := emit(f); err != nil {
			return seq, err
		}
		seq++
		if f.Last {
			return seq, nil
		}
	}
}

type streamKey struct {
	src, tag int
}

type stream struct {
	next    uint32
	partial []byte
	err     error
}

// Reassembler rebuilds transfers from frames and checks their sequence.
type Reassembler struct {
	streams map[streamKey]*stream
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{streams: make(map[streamKey]*stream)}
}

// Add consumes one frame. It returns the completed transfer when f is the
// last fragment. A sequence gap discards the partial transfer and fails the
// route with ErrTruncatedOrCorrupt until Reset.
func (r *Reassembler) Add(f Frame) ([]byte, error) {
	k := streamKey{src: int(f.SrcRank), tag: int(f.Tag)}
	s, ok := r.streams[k]
	if !ok {
		s = &stream{next: f.Seq}
		r.streams[k] = s
	}
	if s.err != nil {
		return nil, s.err
	}
	if f.Seq != s.next {
		s.err = fmt.Errorf("%w: rank %d tag %d expected frame %d, got %d", errspkg.ErrTruncatedOrCorrupt, k.src, k.tag, s.next, f.Seq)
		s.partial = nil
		return nil, s.err
	}
	s.next++
	s.partial = append(s.partial, f.Payload...)
	if !f.Last {
		return nil, nil
	}
	msg := s.partial
	s.partial = nil
	return msg, nil
}

// Err returns the failure recorded for a route.
func (r *Reassembler) Err(src, tag int) error {
	if s, ok := r.streams[streamKey{src: src, tag: tag}]; ok {
		return s.err
	}
	return nil
}

// Reset forgets a route so the next frame restarts its sequence.
func (r *Reassembler) Reset(src, tag int) {
	delete(r.streams, streamKey{src: src, tag: tag})
}
