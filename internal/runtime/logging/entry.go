package logging

// EntryLoggerAdapter captures what NewEntryServiceLogger needs from an
// entry-style logger such as logrus.Entry. T is the logger's own type so that
// WithField chains keep their concrete type.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger wraps an entry-style logger.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("nodeflow: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: withEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := withEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	withEntryFields(e.entry, fields).Trace(msg)
}

func withEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	return entry
}
