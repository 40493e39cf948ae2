package event

import (
	"context"
	"testing"
)

func TestTypeValid(t *testing.T) {
	valid := []Type{
		TypeSessionCreated, TypeSessionStarted, TypeSessionIdle,
		TypeSessionResumed, TypeSessionTerminated, TypeSessionFailed,
		TypeCommandSent, TypeCommandExecuted, TypeCommandFailed,
		TypeOutputReceived, TypeErrorReceived,
		TypeProviderSwitched, TypeProviderError,
		TypeKeepalive, TypeResourceWarning, TypeTimeoutWarning,
	}
	for _, ty := range valid {
		if !ty.Valid() {
			t.Errorf("Valid(%s) = false, want true", ty)
		}
	}

	if Type("session_exploded").Valid() {
		t.Error("unknown type should not be valid")
	}
}

func TestNewRecord(t *testing.T) {
	rec := New("sess-1", TypeSessionCreated, map[string]any{"provider": "claude_code"})

	if rec.ID == "" {
		t.Error("expected a message ID")
	}
	if rec.SessionID != "sess-1" {
		t.Errorf("session_id = %q", rec.SessionID)
	}
	if rec.Type != TypeSessionCreated {
		t.Errorf("type = %s", rec.Type)
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected a timestamp")
	}
	if rec.Payload["provider"] != "claude_code" {
		t.Error("payload not carried")
	}
}

func TestRecordIDsAreUnique(t *testing.T) {
	a := New("s", TypeKeepalive, nil)
	b := New("s", TypeKeepalive, nil)
	if a.ID == b.ID {
		t.Error("records should get distinct message IDs")
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	if !r.Publish(ctx, New("s1", TypeSessionCreated, nil)) {
		t.Error("publish should succeed")
	}
	r.Publish(ctx, New("s1", TypeOutputReceived, nil))
	r.Publish(ctx, New("s2", TypeSessionCreated, nil))

	if got := len(r.Records()); got != 3 {
		t.Fatalf("recorded %d, want 3", got)
	}
	if got := len(r.ByType(TypeSessionCreated)); got != 2 {
		t.Errorf("ByType(session_created) = %d, want 2", got)
	}

	r.Fail = true
	if r.Publish(ctx, New("s3", TypeKeepalive, nil)) {
		t.Error("publish should report failure when Fail is set")
	}
	if got := len(r.Records()); got != 3 {
		t.Errorf("failed publish should not record, got %d", got)
	}
}
