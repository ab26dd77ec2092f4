package buffer

import (
	"fmt"

	"github.com/drblury/tbflow/wire"
)

// Field is one scalar or packed array in the fixed segment.
type Field struct {
	Name string
	// Width is the element size in bytes: 1, 2, 4 or 8.
	Width int
	// Count is the number of elements. Zero means one.
	Count int
}

func (f Field) size() int {
	return f.Width * f.count()
}

func (f Field) count() int {
	if f.Count <= 0 {
		return 1
	}
	return f.Count
}

type swapRun struct {
	off, n, width int
}

// Layout describes the fixed segment of a buffer kind and whether the kind
// carries an extra segment. A Layout is immutable once built.
type Layout struct {
	fields   []Field
	offsets  map[string]int
	runs     []swapRun
	size     int
	hasExtra bool
}

// NewLayout packs fields in order without padding. Adjacent fields of the
// same width are merged so Swap touches each run once.
func NewLayout(hasExtra bool, fields ...Field) (Layout, error) {
	l := Layout{
		fields:   append([]Field(nil), fields...),
		offsets:  make(map[string]int, len(fields)),
		hasExtra: hasExtra,
	}
	for _, f := range fields {
		switch f.Width {
		case 1, 2, 4, 8:
		default:
			return Layout{}, fmt.Errorf("buffer: field %q has unsupported width %d", f.Name, f.Width)
		}
		if _, dup := l.offsets[f.Name]; dup {
			return Layout{}, fmt.Errorf("buffer: duplicate field %q", f.Name)
		}
		l.offsets[f.Name] = l.size
		if f.Width > 1 {
			if n := len(l.runs); n > 0 && l.runs[n-1].width == f.Width && l.runs[n-1].off+l.runs[n-1].n == l.size {
				l.runs[n-1].n += f.size()
			} else {
				l.runs = append(l.runs, swapRun{off: l.size, n: f.size(), width: f.Width})
			}
		}
		l.size += f.size()
	}
	return l, nil
}

// MustLayout is NewLayout that panics on error, for package-level layouts.
func MustLayout(hasExtra bool, fields ...Field) Layout {
	l, err := NewLayout(hasExtra, fields...)
	if err != nil {
		panic(err)
	}
	return l
}

// Size returns the fixed segment size in bytes.
func (l Layout) Size() int { return l.size }

// HasExtra reports whether records of this kind carry an extra segment.
func (l Layout) HasExtra() bool { return l.hasExtra }

// Fields returns a copy of the field list.
func (l Layout) Fields() []Field { return append([]Field(nil), l.fields...) }

// Offset returns the byte offset of the named field.
func (l Layout) Offset(name string) (int, bool) {
	off, ok := l.offsets[name]
	return off, ok
}

// MustOffset is Offset for fields known to exist.
func (l Layout) MustOffset(name string) int {
	off, ok := l.offsets[name]
	if !ok {
		panic(fmt.Sprintf("buffer: unknown field %q", name))
	}
	return off
}

// Swap byte-swaps every multi-byte field of fixed in place.
func (l Layout) Swap(fixed []byte) error {
	if len(fixed) != l.size {
		return fmt.Errorf("buffer: fixed segment is %d bytes, layout needs %d", len(fixed), l.size)
	}
	for _, r := range l.runs {
		if err := wire.Swap(fixed[r.off:r.off+r.n], r.width); err != nil {
			return err
		}
	}
	return nil
}
