package logging

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// Field keys set by this package.
const (
	FieldComponent = "component"
	FieldCategory  = "category"
	FieldError     = "error"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by connections, channels and
// pipeline nodes. It mirrors Watermill's LoggerAdapter so the same logger can
// be handed to broker backends unchanged.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
// Trace entries land at watermill.LevelTrace, below slog's debug level.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("tbflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
//
// Error entries carry the error's category under FieldCategory unless the
// caller set one. Control errors such as ErrWouldBlock or ErrAborted are
// routine on polled channels and are logged at debug level instead.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("tbflow: watermill logger cannot be nil")
	}
	return &serviceLogger{inner: logger}
}

// NopLogger discards everything. It is the fallback when a component is
// constructed without a logger.
func NopLogger() ServiceLogger {
	return &serviceLogger{inner: watermill.NopLogger{}}
}

// OrNop returns log, or a NopLogger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NopLogger()
	}
	return log
}

// Component scopes log to one named part of a topology: the entry gets
// component=kind and kind=name plus any extra fields. A nil log yields a
// NopLogger.
func Component(log ServiceLogger, kind, name string, extra LogFields) ServiceLogger {
	fields := make(LogFields, len(extra)+2)
	maps.Copy(fields, extra)
	fields[FieldComponent] = kind
	fields[kind] = name
	return OrNop(log).With(fields)
}

type serviceLogger struct {
	inner watermill.LoggerAdapter
}

func (l *serviceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &serviceLogger{inner: l.inner.With(toWatermillFields(fields))}
}

func (l *serviceLogger) Debug(msg string, fields LogFields) {
	l.inner.Debug(msg, toWatermillFields(fields))
}

func (l *serviceLogger) Info(msg string, fields LogFields) {
	l.inner.Info(msg, toWatermillFields(fields))
}

func (l *serviceLogger) Error(msg string, err error, fields LogFields) {
	category := errspkg.Classify(err)
	out := toWatermillFields(fields)
	if _, ok := out[FieldCategory]; !ok && err != nil {
		if out == nil {
			out = watermill.LogFields{}
		}
		out[FieldCategory] = string(category)
	}
	if category == errspkg.CategoryControl {
		out[FieldError] = err.Error()
		l.inner.Debug(msg, out)
		return
	}
	l.inner.Error(msg, err, out)
}

func (l *serviceLogger) Trace(msg string, fields LogFields) {
	l.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// for broker publishers and subscribers.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("tbflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

// toWatermillFields copies fields so later changes by the caller, or by
// Error above, never reach a map the caller still holds.
func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(maps.Clone(fields))
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(maps.Clone(fields))
}
