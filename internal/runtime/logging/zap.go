package logging

import (
	"maps"
	"slices"

	"go.uber.org/zap"
)

// NewZapServiceLogger wraps a zap.Logger. Trace is logged at debug level since
// zap has no lower level.
func NewZapServiceLogger(log *zap.Logger) ServiceLogger {
	if log == nil {
		panic("nodeflow: zap logger cannot be nil")
	}
	return &zapServiceLogger{inner: log}
}

type zapServiceLogger struct {
	inner *zap.Logger
}

func (z *zapServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zapServiceLogger{inner: z.inner.With(zapFields(fields)...)}
}

func (z *zapServiceLogger) Debug(msg string, fields LogFields) {
	z.inner.Debug(msg, zapFields(fields)...)
}

func (z *zapServiceLogger) Info(msg string, fields LogFields) {
	z.inner.Info(msg, zapFields(fields)...)
}

func (z *zapServiceLogger) Error(msg string, err error, fields LogFields) {
	z.inner.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (z *zapServiceLogger) Trace(msg string, fields LogFields) {
	z.inner.Debug(msg, append(zapFields(fields), zap.Bool("trace", true))...)
}

func zapFields(fields LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields)+1)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, zap.Any(key, fields[key]))
	}
	return out
}
