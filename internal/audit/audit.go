// Package audit implements the Audit Log: an append-only structured record
// of every secret access, proxy call, exec, skill run, and policy denial.
// JSONLAudit is adapted directly from
// tools/si/internal/vault/audit.go's JSONLAudit, generalized from a
// free-form map[string]any event to the spec's structured AuditEvent.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seksbot/seks/internal/model"
)

// Sink is anything that accepts audit events. The core only guarantees the
// write; consumption (OTEL exporters, long-term storage) is a collaborator
// concern per spec.md §4.11.
type Sink interface {
	Log(event model.AuditEvent)
}

// JSONLAudit appends one JSON object per line to a file, auto-stamping the
// timestamp if the caller left it zero.
type JSONLAudit struct {
	path string
	mu   sync.Mutex
}

// NewJSONLAudit returns a sink writing to path, creating parent directories
// on first write.
func NewJSONLAudit(path string) *JSONLAudit {
	return &JSONLAudit{path: filepath.Clean(path)}
}

// Log appends one record. Like the teacher's audit sink, Log never returns
// an error and never panics — a failed audit write is itself only
// observable by operational monitoring of the sink, not by the caller's
// request path.
func (l *JSONLAudit) Log(event model.AuditEvent) {
	if l == nil || l.path == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(data)
}

// Multi fans a single Log call out to every configured sink, skipping nil
// entries, so several sinks can be combined without coupling them. This
// package provides only the JSONL sink.
type Multi []Sink

func (m Multi) Log(event model.AuditEvent) {
	for _, s := range m {
		if s != nil {
			s.Log(event)
		}
	}
}
