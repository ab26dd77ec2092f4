package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "connection"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, *base.sink, 6)
	entries := *base.sink
	assert.Equal(t, "debug", entries[0].level)
	assert.Equal(t, "connection", entries[0].fields["component"])
	assert.Equal(t, "error", entries[3].level)
	assert.EqualError(t, entries[3].err, "boom")
	assert.Equal(t, "yes", entries[4].fields["child"])
}

func TestErrorCarriesCategory(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(capture)

	logger.Error("decode failed", fmt.Errorf("frame: %w", errspkg.ErrTruncatedOrCorrupt), nil)
	logger.Error("peer gone", errspkg.ErrChannelClosed, LogFields{FieldCategory: "custom"})

	errs := capture.Captured()[watermill.ErrorLogLevel]
	require.Len(t, errs, 2)
	assert.Equal(t, "fatal", errs[0].Fields[FieldCategory])
	assert.Equal(t, "custom", errs[1].Fields[FieldCategory], "caller fields win")
}

func TestControlErrorsLogAtDebug(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(capture)

	logger.Error("poll", errspkg.ErrWouldBlock, LogFields{"tag": 3})

	captured := capture.Captured()
	assert.Empty(t, captured[watermill.ErrorLogLevel])
	require.Len(t, captured[watermill.DebugLogLevel], 1)
	entry := captured[watermill.DebugLogLevel][0]
	assert.Equal(t, "control", entry.Fields[FieldCategory])
	assert.Equal(t, errspkg.ErrWouldBlock.Error(), entry.Fields[FieldError])
	assert.Equal(t, 3, entry.Fields["tag"])
}

func TestFieldsAreCopied(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(capture)

	fields := LogFields{"peer": 1}
	logger.Error("send", errors.New("boom"), fields)
	fields["peer"] = 2

	assert.NotContains(t, fields, FieldCategory, "caller map gains no category")
	errs := capture.Captured()[watermill.ErrorLogLevel]
	require.Len(t, errs, 1)
	assert.Equal(t, 1, errs[0].Fields["peer"])
}

func TestComponent(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	logger := Component(NewWatermillServiceLogger(capture), "group", "workers", LogFields{"tag": 5})
	logger.Info("hello", nil)

	infos := capture.Captured()[watermill.InfoLogLevel]
	require.Len(t, infos, 1)
	assert.Equal(t, "group", infos[0].Fields[FieldComponent])
	assert.Equal(t, "workers", infos[0].Fields["group"])
	assert.Equal(t, 5, infos[0].Fields["tag"])

	assert.NotPanics(t, func() { Component(nil, "connection", "c", nil).Info("ignored", nil) })
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(watermill.NopLogger{})
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	child.Info("child_info", nil)

	require.Len(t, base.entries, 4)
	assert.Equal(t, "v", base.entries[0].fields["k"])

	typedChild, ok := child.(*serviceLoggerAdapter)
	require.True(t, ok)
	childBase, ok := typedChild.base.(*recordingServiceLogger)
	require.True(t, ok)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "yes", childBase.entries[0].fields["child"])
}

func TestNopAndOrNop(t *testing.T) {
	nop := NopLogger()
	nop.Info("ignored", LogFields{"k": "v"})
	nop.Error("ignored", errors.New("boom"), nil)

	assert.NotNil(t, OrNop(nil))
	custom := &recordingServiceLogger{}
	assert.Same(t, custom, OrNop(custom))
}

func TestSlogServiceLoggerWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello", LogFields{"edge": "samples"})

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "edge=samples")
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	sink *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{sink: &[]watermillEntry{}}
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(_ string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{entries: []loggedEntry{{level: "with", fields: fields}}}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
