package wire

import (
	"fmt"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// Swap16 reverses the bytes of every 16-bit element of a packed array in place.
func Swap16(b []byte) error {
	if len(b)%2 != 0 {
		return swapLengthError(len(b), 2)
	}
	for i := 0; i < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
	return nil
}

// Swap32 reverses the bytes of every 32-bit element of a packed array in place.
func Swap32(b []byte) error {
	if len(b)%4 != 0 {
		return swapLengthError(len(b), 4)
	}
	for i := 0; i < len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
	return nil
}

// Swap64 reverses the bytes of every 64-bit element of a packed array in place.
func Swap64(b []byte) error {
	if len(b)%8 != 0 {
		return swapLengthError(len(b), 8)
	}
	for i := 0; i < len(b); i += 8 {
		b[i], b[i+1], b[i+2], b[i+3], b[i+4], b[i+5], b[i+6], b[i+7] =
			b[i+7], b[i+6], b[i+5], b[i+4], b[i+3], b[i+2], b[i+1], b[i]
	}
	return nil
}

// Swap dispatches to the swap primitive for width. Width 1 is a no-op.
func Swap(b []byte, width int) error {
	switch width {
	case 1:
		return nil
	case 2:
		return Swap16(b)
	case 4:
		return Swap32(b)
	case 8:
		return Swap64(b)
	default:
		return fmt.Errorf("%w: unsupported element width %d", errspkg.ErrTruncatedOrCorrupt, width)
	}
}

func swapLengthError(n, width int) error {
	return fmt.Errorf("%w: %d bytes is not a whole number of %d-byte elements", errspkg.ErrTruncatedOrCorrupt, n, width)
}
