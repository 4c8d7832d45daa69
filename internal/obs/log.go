package obs

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.RWMutex
	base = newBase(os.Stdout, "json")
)

type Fields map[string]any

func newBase(w io.Writer, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
			FieldMap:        logrus.FieldMap{logrus.FieldKeyTime: "ts"},
		})
	}
	return l
}

// Configure replaces the process logger. format is "json" (default) or "text".
func Configure(w io.Writer, format string) {
	mu.Lock()
	debug := base.IsLevelEnabled(logrus.DebugLevel)
	base = newBase(w, format)
	if debug {
		base.SetLevel(logrus.DebugLevel)
	}
	mu.Unlock()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// DebugEnabled reports whether Debug events are written.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return base.IsLevelEnabled(logrus.DebugLevel)
}

// Writer returns a writer that logs each line it receives at error level,
// tagged with source. It backs http.Server.ErrorLog.
func Writer(source string) *io.PipeWriter {
	mu.RLock()
	defer mu.RUnlock()
	return base.WithField("source", source).WriterLevel(logrus.ErrorLevel)
}

func logWith(level logrus.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	if !l.IsLevelEnabled(level) {
		return
	}
	l.WithFields(logrus.Fields(f)).Log(level, msg)
}

func Info(msg string, f Fields)  { logWith(logrus.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(logrus.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(logrus.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(logrus.DebugLevel, msg, f) }
