package buffer

import (
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/wire"
)

// Factory returns a fresh prototype of one kind.
type Factory func() Buffer

type entry struct {
	name      string
	factory   Factory
	prototype Buffer
}

// Registry maps record kinds to prototypes so records can be reconstructed
// without knowing their concrete type up front. Kinds are registered
// explicitly at startup.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[Kind]entry
	byName map[string]Kind
}

// DefaultRegistry is the process-wide kind registry. It starts empty.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:  make(map[Kind]entry),
		byName: make(map[string]Kind),
	}
}

// Register adds a kind. The factory is invoked once to validate that it
// produces a prototype of the declared kind.
func (r *Registry) Register(kind Kind, name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("buffer: factory for kind %d is nil", kind)
	}
	proto := factory()
	if proto == nil || !proto.IsPrototype() {
		return fmt.Errorf("buffer: factory for kind %d must return a prototype", kind)
	}
	if proto.Kind() != kind {
		return fmt.Errorf("buffer: factory registered as kind %d returns kind %d", kind, proto.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[kind]; ok {
		return fmt.Errorf("buffer: kind %d already registered as %q", kind, existing.name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("buffer: kind name %q already registered", name)
	}
	r.kinds[kind] = entry{name: name, factory: factory, prototype: proto}
	r.byName[name] = kind
	return nil
}

// Prototype returns the registered prototype of kind.
func (r *Registry) Prototype(kind Kind) (Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: kind %d", errspkg.ErrUnknownType, kind)
	}
	return e.prototype, nil
}

// Make clones the prototype of kind and allocates the clone.
func (r *Registry) Make(kind Kind, name string) (Buffer, error) {
	proto, err := r.Prototype(kind)
	if err != nil {
		return nil, err
	}
	b := proto.Clone(name)
	b.Allocate()
	return b, nil
}

// MakeByName is Make keyed by the registered kind name.
func (r *Registry) MakeByName(kindName, name string) (Buffer, error) {
	kind, ok := r.KindByName(kindName)
	if !ok {
		return nil, fmt.Errorf("%w: kind name %q", errspkg.ErrUnknownType, kindName)
	}
	return r.Make(kind, name)
}

// KindByName resolves a registered kind name.
func (r *Registry) KindByName(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.byName[name]
	return kind, ok
}

// NameOf returns the registered name of kind.
func (r *Registry) NameOf(kind Kind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind]
	return e.name, ok
}

// Kinds returns the registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Decode reconstructs a buffer of whatever kind record declares.
func (r *Registry) Decode(record []byte, name string) (Buffer, error) {
	h, err := wire.ReadHeader(record)
	if err != nil {
		return nil, err
	}
	b, err := r.Make(Kind(h.Kind), name)
	if err != nil {
		return nil, &errspkg.RecordError{Op: "decode", Kind: h.Kind, Version: h.Version, Length: len(record), Err: err}
	}
	if err := Decode(b, record); err != nil {
		return nil, err
	}
	return b, nil
}

// Register adds a kind to the default registry.
func Register(kind Kind, name string, factory Factory) error {
	return DefaultRegistry.Register(kind, name, factory)
}
