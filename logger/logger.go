package logger

// Fields are structured key/value pairs attached to a log line.
type Fields = map[string]any

type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)

	// With returns a logger that adds fields to every line.
	With(fields Fields) Logger
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, Fields) {}
func (NoopLogger) Info(string, Fields)  {}
func (NoopLogger) Warn(string, Fields)  {}
func (NoopLogger) Error(string, Fields) {}
func (n NoopLogger) With(Fields) Logger { return n }

// OrNoop returns l, or a NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
