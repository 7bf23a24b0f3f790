// Package ops provides the structured logging idiom shared by the session
// and the sqlstore back-end. It wraps logrus the same way the
// corpus's own ops package wires per-field structured logs, simplified
// down to the fields a commit log actually needs: bucket, stream, and
// commit identity, rather than the task/shard labeling of a dispatch
// pipeline (out of this engine's scope).
package ops

import (
	"github.com/sirupsen/logrus"
)

// Logger is an injectable structured-logging sink. The zero value is not
// usable; use NewLogger or Discard.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger wraps the process logrus instance with a component field,
// matching the corpus's convention of tagging every log line with the
// subsystem that produced it.
func NewLogger(component string) *Logger {
	return &Logger{entry: logrus.WithField("component", component)}
}

// Discard returns a Logger that drops everything written to it, for
// callers that don't want logging (e.g. unit tests asserting on other
// side effects).
func Discard() *Logger {
	var l = logrus.New()
	l.SetOutput(discardWriter{})
	return &Logger{entry: logrus.NewEntry(l)}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Stream returns an entry pre-tagged with bucket/stream fields, the
// session's most common logging context.
func (l *Logger) Stream(bucketId, streamId string) *logrus.Entry {
	if l == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.entry.WithFields(logrus.Fields{
		"bucket": bucketId,
		"stream": streamId,
	})
}

// Commit returns an entry further tagged with commit identity, for logging
// around a specific commit attempt.
func Commit(entry *logrus.Entry, commitId string, commitSequence int64) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"commit_id":       commitId,
		"commit_sequence": commitSequence,
	})
}
