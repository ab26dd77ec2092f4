package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrVersionMismatch", ErrVersionMismatch, "tbflow: record version not supported"},
		{"ErrUnknownType", ErrUnknownType, "tbflow: unknown record kind"},
		{"ErrTruncatedOrCorrupt", ErrTruncatedOrCorrupt, "tbflow: record truncated or corrupt"},
		{"ErrCapacityExceeded", ErrCapacityExceeded, "tbflow: span exceeds range capacity"},
		{"ErrChannelClosed", ErrChannelClosed, "tbflow: channel closed"},
		{"ErrWouldBlock", ErrWouldBlock, "tbflow: operation would block"},
		{"ErrConfigRequired", ErrConfigRequired, "tbflow: config is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestRecordError(t *testing.T) {
	err := &RecordError{Op: "decode", Kind: 7, Version: 2, Length: 40, Err: ErrTruncatedOrCorrupt}

	assert.Equal(t, "tbflow: decode record kind=7 version=2 length=40: tbflow: record truncated or corrupt", err.Error())
	assert.ErrorIs(t, err, ErrTruncatedOrCorrupt)

	wrapped := fmt.Errorf("read: %w", err)
	var recErr *RecordError
	require.ErrorAs(t, wrapped, &recErr)
	assert.Equal(t, uint16(7), recErr.Kind)
}

func TestConfigValidationError(t *testing.T) {
	assert.NoError(t, NewConfigValidationError(nil))

	inner := errors.New("bad edge")
	err := NewConfigValidationError(inner)
	assert.Equal(t, "tbflow: invalid configuration: bad edge", err.Error())

	var cfgErr ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Same(t, inner, cfgErr.Unwrap())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{nil, CategoryNone},
		{ErrWouldBlock, CategoryControl},
		{ErrAborted, CategoryControl},
		{ErrTruncatedOrCorrupt, CategoryFatal},
		{&RecordError{Op: "decode", Err: ErrUnknownType}, CategoryFatal},
		{fmt.Errorf("wrap: %w", ErrVersionMismatch), CategoryFatal},
		{ErrReadSpanOverwritten, CategoryFatal},
		{ErrChannelClosed, CategoryTransient},
		{context.DeadlineExceeded, CategoryTransient},
		{errors.New("boom"), CategoryOther},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}

	assert.True(t, IsFatal(ErrKindMismatch))
	assert.True(t, IsTransient(ErrChannelClosed))
	assert.False(t, IsFatal(ErrWouldBlock))
}
