package kinds

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/drblury/tbflow/buffer"
	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/wire"
)

const (
	samplesVersion    = 2
	samplesMinVersion = 1

	flagRangesKind    uint16 = 0x0101
	flagRangesVersion uint16 = 1
)

// Range is a half-open sample index range [Begin, End).
type Range struct {
	Begin uint32
	End   uint32
}

// Samples carries a block of complex samples from one station. Flagged
// sample ranges travel in the extra segment.
type Samples struct {
	buffer.Base
	n int
}

func samplesLayout(n int) buffer.Layout {
	return buffer.MustLayout(true,
		buffer.Field{Name: "station", Width: 2},
		buffer.Field{Name: "flags", Width: 2},
		buffer.Field{Name: "sequence", Width: 4},
		buffer.Field{Name: "timestamp", Width: 8},
		// Each complex64 is a real/imaginary float32 pair.
		buffer.Field{Name: "samples", Width: 4, Count: 2 * n},
	)
}

const (
	offStation   = 0
	offFlags     = 2
	offSequence  = 4
	offTimestamp = 8
	offSamples   = 16
)

// NewSamplesPrototype returns a prototype for blocks of n samples.
func NewSamplesPrototype(n int) *Samples {
	if n <= 0 {
		panic("kinds: samples per record must be positive")
	}
	return &Samples{Base: buffer.NewPrototype(KindSamples, samplesVersion, samplesMinVersion, samplesLayout(n)), n: n}
}

// SamplesFactory returns a factory of n-sample prototypes.
func SamplesFactory(n int) buffer.Factory {
	return func() buffer.Buffer { return NewSamplesPrototype(n) }
}

func (s *Samples) Clone(name string) buffer.Buffer {
	return &Samples{Base: s.Derive(name), n: s.n}
}

// Len returns the number of samples per block.
func (s *Samples) Len() int { return s.n }

func (s *Samples) Station() uint16 { return binary.NativeEndian.Uint16(s.Fixed()[offStation:]) }

func (s *Samples) SetStation(v uint16) { binary.NativeEndian.PutUint16(s.Fixed()[offStation:], v) }

func (s *Samples) Flags() uint16 { return binary.NativeEndian.Uint16(s.Fixed()[offFlags:]) }

func (s *Samples) SetFlags(v uint16) { binary.NativeEndian.PutUint16(s.Fixed()[offFlags:], v) }

func (s *Samples) Sequence() uint32 { return binary.NativeEndian.Uint32(s.Fixed()[offSequence:]) }

func (s *Samples) SetSequence(v uint32) { binary.NativeEndian.PutUint32(s.Fixed()[offSequence:], v) }

// Timestamp is in nanoseconds since the Unix epoch.
func (s *Samples) Timestamp() int64 {
	return int64(binary.NativeEndian.Uint64(s.Fixed()[offTimestamp:]))
}

func (s *Samples) SetTimestamp(v int64) {
	binary.NativeEndian.PutUint64(s.Fixed()[offTimestamp:], uint64(v))
}

func (s *Samples) Sample(i int) complex64 {
	off := offSamples + 8*i
	re := math.Float32frombits(binary.NativeEndian.Uint32(s.Fixed()[off:]))
	im := math.Float32frombits(binary.NativeEndian.Uint32(s.Fixed()[off+4:]))
	return complex(re, im)
}

func (s *Samples) SetSample(i int, v complex64) {
	off := offSamples + 8*i
	binary.NativeEndian.PutUint32(s.Fixed()[off:], math.Float32bits(real(v)))
	binary.NativeEndian.PutUint32(s.Fixed()[off+4:], math.Float32bits(imag(v)))
}

// SetFlaggedRanges encodes ranges into the extra segment. Ranges must be
// well formed and within the block.
func (s *Samples) SetFlaggedRanges(ranges []Range) error {
	return s.SetFlaggedRangesIn(ranges, wire.HostOrder())
}

// SetFlaggedRangesIn is SetFlaggedRanges writing the nested record in order.
func (s *Samples) SetFlaggedRangesIn(ranges []Range, order wire.ByteOrder) error {
	if len(ranges) == 0 {
		s.ResetExtra()
		return nil
	}
	w := wire.NewWriter(order)
	w.PutStart(flagRangesKind, flagRangesVersion)
	w.PutUint32(uint32(len(ranges)))
	for _, r := range ranges {
		if r.Begin >= r.End || int(r.End) > s.n {
			return fmt.Errorf("kinds: flagged range [%d,%d) invalid for %d samples", r.Begin, r.End, s.n)
		}
		w.PutUint32(r.Begin)
		w.PutUint32(r.End)
	}
	if err := w.PutEnd(); err != nil {
		return err
	}
	extra, err := w.Bytes()
	if err != nil {
		return err
	}
	s.SetExtra(extra)
	return nil
}

// FlaggedRanges decodes the extra segment. An empty extra means no flags.
func (s *Samples) FlaggedRanges() ([]Range, error) {
	extra := s.Extra()
	if len(extra) == 0 {
		return nil, nil
	}
	r := wire.NewReader(extra, wire.HostOrder())
	if _, err := r.GetStart(flagRangesKind, flagRangesVersion); err != nil {
		return nil, err
	}
	count, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if uint64(count)*8 != uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: %d flagged ranges do not fit %d bytes", errspkg.ErrTruncatedOrCorrupt, count, r.Remaining())
	}
	ranges := make([]Range, count)
	for i := range ranges {
		if ranges[i].Begin, err = r.GetUint32(); err != nil {
			return nil, err
		}
		if ranges[i].End, err = r.GetUint32(); err != nil {
			return nil, err
		}
	}
	if err := r.GetEnd(); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return ranges, nil
}
