package kinds

import (
	"encoding/binary"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/wire"
)

const (
	metadataVersion = 1

	metadataFieldsKind    uint16 = 0x0201
	metadataFieldsVersion uint16 = 1
)

var metadataLayout = buffer.MustLayout(true,
	buffer.Field{Name: "sequence", Width: 4},
	buffer.Field{Name: "timestamp", Width: 8},
)

// Metadata carries free-form observation parameters as a protobuf Struct
// in its extra segment, keyed by sequence number.
type Metadata struct {
	buffer.Base
}

// NewMetadataPrototype returns a metadata prototype.
func NewMetadataPrototype() *Metadata {
	return &Metadata{Base: buffer.NewPrototype(KindMetadata, metadataVersion, metadataVersion, metadataLayout)}
}

// MetadataFactory returns a factory of metadata prototypes.
func MetadataFactory() buffer.Factory {
	return func() buffer.Buffer { return NewMetadataPrototype() }
}

func (m *Metadata) Clone(name string) buffer.Buffer {
	return &Metadata{Base: m.Derive(name)}
}

func (m *Metadata) Sequence() uint32 { return binary.NativeEndian.Uint32(m.Fixed()[0:]) }

func (m *Metadata) SetSequence(v uint32) { binary.NativeEndian.PutUint32(m.Fixed()[0:], v) }

func (m *Metadata) Timestamp() int64 { return int64(binary.NativeEndian.Uint64(m.Fixed()[4:])) }

func (m *Metadata) SetTimestamp(v int64) { binary.NativeEndian.PutUint64(m.Fixed()[4:], uint64(v)) }

// SetFields stores fields as a protobuf Struct. Values must be accepted by
// structpb.NewValue.
func (m *Metadata) SetFields(fields map[string]any) error {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return m.SetStruct(st)
}

// SetStruct stores st in the extra segment.
func (m *Metadata) SetStruct(st *structpb.Struct) error {
	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return err
	}
	w := wire.NewWriter(wire.HostOrder())
	w.PutStart(metadataFieldsKind, metadataFieldsVersion)
	w.PutBytes(payload)
	if err := w.PutEnd(); err != nil {
		return err
	}
	extra, err := w.Bytes()
	if err != nil {
		return err
	}
	m.SetExtra(extra)
	return nil
}

// Struct decodes the extra segment. An empty extra yields an empty Struct.
func (m *Metadata) Struct() (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if len(m.Extra()) == 0 {
		return st, nil
	}
	r := wire.NewReader(m.Extra(), wire.HostOrder())
	if _, err := r.GetStart(metadataFieldsKind, metadataFieldsVersion); err != nil {
		return nil, err
	}
	payload, err := r.GetBytes()
	if err != nil {
		return nil, err
	}
	if err := r.GetEnd(); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(payload, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Fields returns the decoded fields as plain Go values.
func (m *Metadata) Fields() (map[string]any, error) {
	st, err := m.Struct()
	if err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
