package security

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

type countingRecorder struct {
	events []string
}

func (c *countingRecorder) RecordAuditEvent(_ context.Context, eventType string) {
	c.events = append(c.events, eventType)
}

func newTestAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_HashesUserID(t *testing.T) {
	auditor, buf := newTestAuditor(true)
	rec := &countingRecorder{}
	auditor.SetRecorder(rec)

	ctx := WithRequestID(context.Background(), "req-123")
	auditor.LogAuthFailure(ctx, "alice@example.com", "herald_x", "10.0.0.1", "bad password")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if strings.Contains(buf.String(), "alice@example.com") {
		t.Error("raw identity leaked into audit log")
	}
	if entry["user_id_hash"] != HashForLogging("alice@example.com") {
		t.Errorf("user_id_hash = %v", entry["user_id_hash"])
	}
	if entry["event_type"] != EventAuthFailure {
		t.Errorf("event_type = %v, want %s", entry["event_type"], EventAuthFailure)
	}
	if entry["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", entry["request_id"])
	}
	if len(rec.events) != 1 || rec.events[0] != EventAuthFailure {
		t.Errorf("recorder events = %v", rec.events)
	}
}

func TestAuditor_Disabled(t *testing.T) {
	auditor, buf := newTestAuditor(false)
	auditor.LogClientRegistered(context.Background(), "herald_x", "public", "", true)
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}
}

func TestAuditor_NilIsNoop(t *testing.T) {
	var auditor *Auditor
	auditor.LogTokenIssued(context.Background(), "u", "c", "", "authorization_code", "read")
}

func TestAuditor_AutoRegistrationEventType(t *testing.T) {
	auditor, buf := newTestAuditor(true)
	auditor.LogClientRegistered(context.Background(), "client-1", "public", "127.0.0.1", true)
	if !strings.Contains(buf.String(), EventClientAutoRegistered) {
		t.Errorf("expected %s in %q", EventClientAutoRegistered, buf.String())
	}
}

func TestHashForLogging(t *testing.T) {
	if HashForLogging("") != "<empty>" {
		t.Error("empty input should map to <empty>")
	}
	h := HashForLogging("user-1")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != HashForLogging("user-1") {
		t.Error("hash must be deterministic")
	}
}
