// Package corelog wraps logrus the way the teacher's Server wrapped a
// *log.Logger: a single package-level instance, overridable by the
// embedder, nil-safe at every call site.
package corelog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLogger replaces the package-level logger. Passing nil restores the default.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		log = newDefault()
		return
	}
	log = l
}

func current() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Fields is re-exported so callers don't need a direct logrus import.
type Fields = logrus.Fields

func Debug(msg string, fields Fields) { current().WithFields(fields).Debug(msg) }
func Warn(msg string, fields Fields)  { current().WithFields(fields).Warn(msg) }
func Error(msg string, fields Fields) { current().WithFields(fields).Error(msg) }
func Info(msg string, fields Fields)  { current().WithFields(fields).Info(msg) }

// WithError matches logrus's WithError().WithFields() chaining for the
// ErrorPipeline's stack-carrying log lines.
func WithError(err error, msg string, fields Fields) {
	current().WithError(err).WithFields(fields).Error(msg)
}
