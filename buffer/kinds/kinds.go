// Package kinds provides the stock buffer kinds: complex sample blocks,
// structured metadata and opaque raw payloads.
package kinds

import (
	"errors"

	"github.com/drblury/tbflow/buffer"
)

// Registered kind identifiers.
const (
	KindSamples  buffer.Kind = 1
	KindMetadata buffer.Kind = 2
	KindRaw      buffer.Kind = 3
)

// Registered kind names, as used in edge configuration.
const (
	NameSamples  = "samples"
	NameMetadata = "metadata"
	NameRaw      = "raw"
)

// Default shapes used by Register.
const (
	DefaultSamplesPerRecord = 256
	DefaultRawSize          = 64
)

// Register adds every stock kind to reg with its default shape.
func Register(reg *buffer.Registry) error {
	return errors.Join(
		reg.Register(KindSamples, NameSamples, SamplesFactory(DefaultSamplesPerRecord)),
		reg.Register(KindMetadata, NameMetadata, MetadataFactory()),
		reg.Register(KindRaw, NameRaw, RawFactory(DefaultRawSize)),
	)
}
