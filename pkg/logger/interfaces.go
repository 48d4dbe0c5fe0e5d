package logger

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	SetLevel(level string)
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	With(fields ...Field) Logger
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the upper-case level name used in log lines
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a LogLevel.
// "trace" is folded into DebugLevel. Unknown names yield InfoLevel and false.
func ParseLevel(level string) (LogLevel, bool) {
	switch normalize(level) {
	case "TRACE", "DEBUG":
		return DebugLevel, true
	case "INFO":
		return InfoLevel, true
	case "WARN", "WARNING":
		return WarnLevel, true
	case "ERROR":
		return ErrorLevel, true
	}
	return InfoLevel, false
}

// NoOp discards everything. Handy as a default in tests and libraries.
type NoOp struct{}

func (NoOp) Debug(msg string, fields ...interface{})         {}
func (NoOp) Info(msg string, fields ...interface{})          {}
func (NoOp) Warn(msg string, fields ...interface{})          {}
func (NoOp) Error(msg string, fields ...interface{})         {}
func (NoOp) SetLevel(level string)                           {}
func (n NoOp) WithField(key string, value interface{}) Logger { return n }
func (n NoOp) WithFields(fields map[string]interface{}) Logger {
	return n
}
func (n NoOp) With(fields ...Field) Logger { return n }
