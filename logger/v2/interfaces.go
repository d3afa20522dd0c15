package v2

// Logger is the structured logging interface used by every package.
// Implementations must not leak the backend (logrus) through the API.
type Logger interface {
	// Basic logging methods
	// All methods accept a message and optional structured fields
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	Fatal(msg string, err error, fields ...Field)

	// With returns a child logger carrying preset fields
	With(fields ...Field) Logger

	// Close releases any file handle owned by the logger
	Close() error
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// OrNoop returns l, or a no-op logger when l is nil.
// Constructors use it so callers may pass nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NewNoop()
	}
	return l
}
