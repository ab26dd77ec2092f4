package kinds

import "github.com/drblury/tbflow/buffer"

const rawVersion = 1

// Raw is an opaque fixed block plus an opaque variable-length trailer.
type Raw struct {
	buffer.Base
}

// NewRawPrototype returns a prototype with a fixed block of size bytes.
func NewRawPrototype(size int) *Raw {
	layout := buffer.MustLayout(true, buffer.Field{Name: "payload", Width: 1, Count: size})
	return &Raw{Base: buffer.NewPrototype(KindRaw, rawVersion, rawVersion, layout)}
}

// RawFactory returns a factory of raw prototypes with size-byte blocks.
func RawFactory(size int) buffer.Factory {
	return func() buffer.Buffer { return NewRawPrototype(size) }
}

func (r *Raw) Clone(name string) buffer.Buffer {
	return &Raw{Base: r.Derive(name)}
}
