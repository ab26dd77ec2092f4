package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

// Record and transport taxonomy.
var (
	ErrVersionMismatch    = sterrors.New("tbflow: record version not supported")
	ErrUnknownType        = sterrors.New("tbflow: unknown record kind")
	ErrTruncatedOrCorrupt = sterrors.New("tbflow: record truncated or corrupt")
	ErrCapacityExceeded   = sterrors.New("tbflow: span exceeds range capacity")
	ErrChannelClosed      = sterrors.New("tbflow: channel closed")
	ErrWouldBlock         = sterrors.New("tbflow: operation would block")
	ErrAborted            = sterrors.New("tbflow: wait aborted")
)

// Contract violations. These indicate a bug in the caller rather than bad data.
var (
	ErrKindMismatch        = sterrors.New("tbflow: record kind does not match destination buffer")
	ErrPrototypeIO         = sterrors.New("tbflow: prototype buffers cannot be used for I/O")
	ErrNotAllocated        = sterrors.New("tbflow: buffer not allocated")
	ErrNotLocked           = sterrors.New("tbflow: range not locked")
	ErrLockHeld            = sterrors.New("tbflow: range lock is held")
	ErrReadSpanOverwritten = sterrors.New("tbflow: overwrite into a granted read span")
	ErrConnectionAborted   = sterrors.New("tbflow: connection aborted")
	ErrConfigRequired      = sterrors.New("tbflow: config is required")
	ErrUnsupported         = sterrors.New("tbflow: operation not supported by channel")
)

// RecordError annotates a codec failure with the declared header of the
// offending record so it can be diagnosed from logs.
type RecordError struct {
	Op      string
	Kind    uint16
	Version uint16
	Length  int
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("tbflow: %s record kind=%d version=%d length=%d: %v", e.Op, e.Kind, e.Version, e.Length, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ConfigValidationError wraps the joined validation failures of a config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "tbflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Category groups errors by the reaction they call for.
type Category string

const (
	CategoryNone      Category = "none"
	CategoryFatal     Category = "fatal"
	CategoryTransient Category = "transient"
	CategoryControl   Category = "control"
	CategoryOther     Category = "other"
)

// Classify maps an error onto a Category. Fatal errors must terminate the
// affected connection; transient ones may be retried as a whole message;
// control errors are routine signals such as ErrWouldBlock.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case sterrors.Is(err, ErrWouldBlock), sterrors.Is(err, ErrAborted):
		return CategoryControl
	case sterrors.Is(err, ErrTruncatedOrCorrupt),
		sterrors.Is(err, ErrUnknownType),
		sterrors.Is(err, ErrVersionMismatch),
		sterrors.Is(err, ErrKindMismatch),
		sterrors.Is(err, ErrReadSpanOverwritten),
		sterrors.Is(err, ErrCapacityExceeded),
		sterrors.Is(err, ErrConnectionAborted),
		sterrors.Is(err, ErrPrototypeIO):
		return CategoryFatal
	case sterrors.Is(err, ErrChannelClosed),
		sterrors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	default:
		return CategoryOther
	}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return Classify(err) == CategoryFatal
}

// IsTransient reports whether the whole message may be retried.
func IsTransient(err error) bool {
	return Classify(err) == CategoryTransient
}
