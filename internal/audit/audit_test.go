package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/seksbot/seks/internal/model"
)

func TestJSONLAuditAppendsAndStampsTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "audit.jsonl")
	a := NewJSONLAudit(path)

	a.Log(model.AuditEvent{AgentID: "agent-1", Kind: model.AuditProxyCall, Outcome: "ok"})
	a.Log(model.AuditEvent{AgentID: "agent-1", Kind: model.AuditDeny, Outcome: "denied"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []model.AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev model.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	for _, ev := range lines {
		if ev.Timestamp.IsZero() {
			t.Fatal("expected auto-stamped timestamp")
		}
	}
}

func TestMultiFansOutToAllSinks(t *testing.T) {
	var a, b recordingSink
	m := Multi{&a, &b}
	m.Log(model.AuditEvent{AgentID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
}

type recordingSink struct {
	events []model.AuditEvent
}

func (r *recordingSink) Log(event model.AuditEvent) {
	r.events = append(r.events, event)
}
