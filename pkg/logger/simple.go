package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Output formats understood by SimpleLogger
const (
	FormatText = "text"
	FormatJSON = "json"
)

// sink is the destination shared by a logger and all loggers derived from it
type sink struct {
	mu      sync.Mutex
	out     io.Writer
	format  string
	service string
}

// SimpleLogger provides a basic structured logger implementation.
//
// Output layout follows the telemetry logger of the framework:
//
//	text: 2025-01-02T15:04:05Z [WARN] [renderapm:svc] message key=value ...
//	json: {"timestamp":"...","level":"WARN","service":"svc","message":"...","key":"value"}
type SimpleLogger struct {
	level  LogLevel
	fields map[string]interface{}
	sink   *sink
}

// Options configures a SimpleLogger
type Options struct {
	Level   string
	Format  string
	Service string
	Output  io.Writer
}

// NewSimpleLogger creates a new simple logger writing text to stdout at INFO
func NewSimpleLogger() *SimpleLogger {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a logger from explicit options.
// Empty values fall back to the environment (see OptionsFromEnv) and then defaults.
func NewWithOptions(opts Options) *SimpleLogger {
	env := OptionsFromEnv()
	if opts.Level == "" {
		opts.Level = env.Level
	}
	if opts.Format == "" {
		opts.Format = env.Format
	}
	if opts.Service == "" {
		opts.Service = "renderapm"
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	level, _ := ParseLevel(opts.Level)
	format := strings.ToLower(opts.Format)
	if format != FormatJSON {
		format = FormatText
	}

	return &SimpleLogger{
		level:  level,
		fields: make(map[string]interface{}),
		sink: &sink{
			out:     opts.Output,
			format:  format,
			service: opts.Service,
		},
	}
}

// NewDefaultLogger creates a new default logger instance
func NewDefaultLogger() Logger {
	return NewSimpleLogger()
}

// OptionsFromEnv reads logger settings from the environment.
//   - RENDERAPM_LOG_LEVEL (falls back to LOG_LEVEL, then INFO)
//   - RENDERAPM_LOG_FORMAT (falls back to json inside Kubernetes, text otherwise)
func OptionsFromEnv() Options {
	opts := Options{Level: GetLogLevel(), Format: FormatText}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		opts.Format = FormatJSON
	}
	if v := os.Getenv("RENDERAPM_LOG_FORMAT"); v != "" {
		opts.Format = v
	}
	return opts
}

// Debug logs a debug message
func (l *SimpleLogger) Debug(msg string, fields ...interface{}) {
	if l.level <= DebugLevel {
		l.log(DebugLevel, msg, fields...)
	}
}

// Info logs an info message
func (l *SimpleLogger) Info(msg string, fields ...interface{}) {
	if l.level <= InfoLevel {
		l.log(InfoLevel, msg, fields...)
	}
}

// Warn logs a warning message
func (l *SimpleLogger) Warn(msg string, fields ...interface{}) {
	if l.level <= WarnLevel {
		l.log(WarnLevel, msg, fields...)
	}
}

// Error logs an error message
func (l *SimpleLogger) Error(msg string, fields ...interface{}) {
	if l.level <= ErrorLevel {
		l.log(ErrorLevel, msg, fields...)
	}
}

// SetLevel sets the logging level
func (l *SimpleLogger) SetLevel(level string) {
	if parsed, ok := ParseLevel(level); ok {
		l.level = parsed
	}
}

// Level returns the current minimum level
func (l *SimpleLogger) Level() LogLevel {
	return l.level
}

// WithField returns a logger with an additional field
func (l *SimpleLogger) WithField(key string, value interface{}) Logger {
	return l.derive(map[string]interface{}{key: value})
}

// WithFields returns a logger with additional fields
func (l *SimpleLogger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(fields)
}

// With returns a logger with additional fields
func (l *SimpleLogger) With(fields ...Field) Logger {
	extra := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.derive(extra)
}

func (l *SimpleLogger) derive(extra map[string]interface{}) *SimpleLogger {
	newFields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range extra {
		newFields[k] = v
	}

	return &SimpleLogger{
		level:  l.level,
		fields: newFields,
		sink:   l.sink,
	}
}

// log performs the actual logging
func (l *SimpleLogger) log(level LogLevel, msg string, args ...interface{}) {
	fields := make(map[string]interface{}, len(l.fields)+len(args))
	for k, v := range l.fields {
		fields[k] = v
	}
	collectFields(fields, args)

	timestamp := time.Now().UTC().Format(time.RFC3339)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.format == FormatJSON {
		l.logJSON(timestamp, level, msg, fields)
		return
	}
	l.logText(timestamp, level, msg, fields)
}

func (l *SimpleLogger) logJSON(timestamp string, level LogLevel, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level.String(),
		"service":   l.sink.service,
		"message":   msg,
	}
	for k, v := range fields {
		// Avoid overwriting core fields
		if _, reserved := entry[k]; reserved {
			continue
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}

	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.sink.out, string(data))
	}
}

func (l *SimpleLogger) logText(timestamp string, level LogLevel, msg string, fields map[string]interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [renderapm:%s] %s", timestamp, level, l.sink.service, msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "error" {
			fmt.Fprintf(&b, " %s=%q", k, fmt.Sprint(fields[k]))
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}

	fmt.Fprintln(l.sink.out, b.String())
}

// collectFields accepts Field values, maps and alternating key/value pairs
func collectFields(dst map[string]interface{}, args []interface{}) {
	for i := 0; i < len(args); i++ {
		switch v := args[i].(type) {
		case Field:
			dst[v.Key] = v.Value
		case map[string]interface{}:
			for k, val := range v {
				dst[k] = val
			}
		default:
			if i+1 < len(args) {
				dst[fmt.Sprint(v)] = args[i+1]
				i++
			}
		}
	}
}

// GetLogLevel gets the current log level from environment
func GetLogLevel() string {
	if level := os.Getenv("RENDERAPM_LOG_LEVEL"); level != "" {
		return level
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "INFO"
}

func normalize(level string) string {
	return strings.ToUpper(strings.TrimSpace(level))
}
