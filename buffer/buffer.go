// Package buffer defines the typed data holders exchanged between pipeline
// nodes. A Buffer owns one fixed-size segment, allocated once and reused for
// every message, and an optional extra segment replaced on every message.
//
// Buffers are always derived from a prototype. Prototypes describe a kind
// and are cloned per dataflow edge, but never carry data themselves.
package buffer

import "github.com/drblury/tbflow/wire"

// Kind identifies a concrete buffer type on the wire.
type Kind uint16

// Buffer is the contract shared by every buffer kind. Concrete kinds embed
// Base for the storage half and add typed accessors over Fixed and Extra.
type Buffer interface {
	Kind() Kind
	// Version is the newest record version this kind writes and reads.
	Version() uint16
	// MinVersion is the oldest record version still accepted.
	MinVersion() uint16
	Name() string
	Layout() Layout

	// Allocate sizes the fixed segment. Idempotent.
	Allocate()
	Allocated() bool
	// Fixed returns the fixed segment in host byte order.
	Fixed() []byte
	Extra() []byte
	// SetExtra replaces the extra segment wholesale.
	SetExtra(extra []byte)
	ResetExtra()
	// Size returns the encoded record size.
	Size() int

	IsPrototype() bool
	// Clone returns a new, unallocated instance of the same kind. It shares
	// the layout and none of the storage.
	Clone(name string) Buffer
}

// Base implements the storage half of Buffer.
type Base struct {
	kind       Kind
	version    uint16
	minVersion uint16
	name       string
	layout     Layout
	fixed      []byte
	extra      []byte
	prototype  bool
}

// NewPrototype returns the Base of a prototype for a kind.
func NewPrototype(kind Kind, version, minVersion uint16, layout Layout) Base {
	return Base{
		kind:       kind,
		version:    version,
		minVersion: minVersion,
		name:       "prototype",
		layout:     layout,
		prototype:  true,
	}
}

// Derive returns the Base for a clone named name.
func (b *Base) Derive(name string) Base {
	return Base{
		kind:       b.kind,
		version:    b.version,
		minVersion: b.minVersion,
		name:       name,
		layout:     b.layout,
	}
}

func (b *Base) Kind() Kind         { return b.kind }
func (b *Base) Version() uint16    { return b.version }
func (b *Base) MinVersion() uint16 { return b.minVersion }
func (b *Base) Name() string       { return b.name }
func (b *Base) Layout() Layout     { return b.layout }
func (b *Base) IsPrototype() bool  { return b.prototype }
func (b *Base) Allocated() bool    { return b.fixed != nil }
func (b *Base) Fixed() []byte      { return b.fixed }
func (b *Base) Extra() []byte      { return b.extra }
func (b *Base) SetExtra(e []byte)  { b.extra = e }
func (b *Base) ResetExtra()        { b.extra = nil }

func (b *Base) Allocate() {
	if b.fixed == nil {
		b.fixed = make([]byte, b.layout.Size())
	}
}

func (b *Base) Size() int {
	return wire.RecordSize(b.layout.Size(), len(b.extra), b.layout.HasExtra())
}
