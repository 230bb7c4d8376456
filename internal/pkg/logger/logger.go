// Package logger provides process-wide structured logging with PII redaction.
//
// Call sites pass alternating key/value pairs:
//
//	logger.Info("batch sent", "component", "newsletter", "title", title, "sent", n)
//
// Values under email-like keys, and any address embedded in other values, are
// masked unless redaction is switched off.
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var logrusLevels = map[Level]logrus.Level{
	DEBUG: logrus.DebugLevel,
	INFO:  logrus.InfoLevel,
	WARN:  logrus.WarnLevel,
	ERROR: logrus.ErrorLevel,
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger wraps a logrus logger with key/value field parsing and optional
// PII redaction.
type Logger struct {
	mu        sync.RWMutex
	base      *logrus.Logger
	redactPII bool
}

// New returns a JSON logger writing to w.
func New(w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.InfoLevel)
	return &Logger{base: base, redactPII: true}
}

var defaultLogger = New(os.Stderr)

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger }

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.SetLevel(l) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.SetRedactPII(r) }

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) { defaultLogger.base.SetOutput(w) }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(logrusLevels[level])
}

func (l *Logger) SetRedactPII(r bool) {
	l.mu.Lock()
	l.redactPII = r
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	lvl := logrusLevels[level]
	if !l.base.IsLevelEnabled(lvl) {
		return
	}

	l.mu.RLock()
	redact := l.redactPII
	l.mu.RUnlock()

	entry := make(logrus.Fields, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		entry[key] = fieldValue(key, fields[i+1], redact)
	}
	if redact {
		msg = maskAddresses(msg)
	}

	l.base.WithFields(entry).Log(lvl, msg)
}

// fieldValue renders text values as strings and leaves other values typed,
// so counts stay numbers in the JSON output.
func fieldValue(key string, raw interface{}, redact bool) interface{} {
	var val string
	switch v := raw.(type) {
	case string:
		val = v
	case error:
		val = v.Error()
	case fmt.Stringer:
		val = v.String()
	default:
		return raw
	}
	if !redact {
		return val
	}
	if addressKey(key) && strings.Contains(val, "@") && !emailRegex.MatchString(val) {
		// e.g. "root@localhost", which the pattern misses
		return RedactEmail(val)
	}
	return maskAddresses(val)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func maskAddresses(s string) string {
	return emailRegex.ReplaceAllStringFunc(s, RedactEmail)
}

func addressKey(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "email") || strings.Contains(key, "recipient")
}

// RedactEmail keeps the first two characters of the local part and the
// domain: "john.doe@example.com" becomes "jo***@example.com". Shorter local
// parts are masked entirely, and input without a single "@" becomes "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
