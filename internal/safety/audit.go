package safety

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// AuditEntry is one tool invocation.
type AuditEntry struct {
	Timestamp time.Time
	Tool      string
	Params    map[string]any
	Result    string
	Duration  time.Duration
}

// AuditLogger writes entries as JSON lines. It is safe for concurrent use; a
// nil *AuditLogger discards everything.
type AuditLogger struct {
	log *logrus.Logger
}

// NewAuditLogger returns an AuditLogger writing to w, or nil when w is nil.
func NewAuditLogger(w io.Writer) *AuditLogger {
	if w == nil {
		return nil
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "event",
		},
	})
	return &AuditLogger{log: l}
}

// OpenAuditLog appends to the file at path, creating it if needed. The caller
// closes the returned file.
func OpenAuditLog(path string) (*AuditLogger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewAuditLogger(f), f, nil
}

// Log records entry.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	params := entry.Params
	if params == nil {
		params = map[string]any{}
	}
	a.log.WithTime(entry.Timestamp).WithFields(logrus.Fields{
		"tool":        entry.Tool,
		"params":      params,
		"result":      entry.Result,
		"duration_ms": entry.Duration.Milliseconds(),
	}).Info("tool_call")
}
