package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		draft   MessageDraft
		wantErr bool
	}{
		{name: "user", draft: MessageDraft{Role: RoleUser, Content: "Hi"}},
		{name: "system", draft: MessageDraft{Role: RoleSystem, Content: "be nice"}},
		{name: "assistant", draft: MessageDraft{Role: RoleAssistant, Content: "Hello", AgentID: "agent-a"}},
		{name: "assistant uuid agent", draft: MessageDraft{Role: RoleAssistant, Content: "Hello", AgentID: "3f2b8c9e-1d4a-4b7e-9c2f-0a1b2c3d4e5f"}},
		{name: "bad role", draft: MessageDraft{Role: "tool", Content: "x"}, wantErr: true},
		{name: "empty role", draft: MessageDraft{Content: "x"}, wantErr: true},
		{name: "empty content", draft: MessageDraft{Role: RoleUser, Content: ""}, wantErr: true},
		{name: "blank content", draft: MessageDraft{Role: RoleUser, Content: " \n\t"}, wantErr: true},
		{name: "assistant without agent", draft: MessageDraft{Role: RoleAssistant, Content: "x"}, wantErr: true},
		{name: "assistant malformed agent", draft: MessageDraft{Role: RoleAssistant, Content: "x", AgentID: "a b"}, wantErr: true},
		{name: "user with agent", draft: MessageDraft{Role: RoleUser, Content: "x", AgentID: "agent-a"}, wantErr: true},
		{name: "negative timestamp", draft: MessageDraft{Role: RoleUser, Content: "x", CreatedAt: -5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateMessage(tt.draft)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got message %+v", msg)
				}
				if KindOf(err) != KindValidation {
					t.Errorf("KindOf = %q, want %q", KindOf(err), KindValidation)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateMessage: %v", err)
			}
			if msg.ID == "" {
				t.Error("expected generated id")
			}
			if msg.CreatedAt == 0 {
				t.Error("expected default timestamp")
			}
			if msg.Content != tt.draft.Content || msg.Role != tt.draft.Role || msg.AgentID != tt.draft.AgentID {
				t.Errorf("message %+v does not match draft %+v", msg, tt.draft)
			}
		})
	}
}

func TestValidateMessageKeepsGivenFields(t *testing.T) {
	msg, err := ValidateMessage(MessageDraft{ID: "m-1", Role: RoleUser, Content: "Hi", CreatedAt: 1700000000000})
	if err != nil {
		t.Fatalf("ValidateMessage: %v", err)
	}
	if msg.ID != "m-1" || msg.CreatedAt != 1700000000000 {
		t.Errorf("got %+v, want id m-1 and given timestamp", msg)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	drafts := []MessageDraft{
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello <there> & welcome", AgentID: "agent-b"},
		{Role: RoleSystem, Content: "unicode: héllo ✓"},
	}
	for _, d := range drafts {
		msg, err := ValidateMessage(d)
		if err != nil {
			t.Fatalf("ValidateMessage: %v", err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := ParseMessage(data)
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if got != msg {
			t.Errorf("round trip = %+v, want %+v", got, msg)
		}
	}
}

func TestParseMessageRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		`{`,
		`{"id":"m1","role":"wizard","content":"x","created_at":1}`,
		`{"id":"m1","role":"assistant","content":"x","created_at":1}`,
	} {
		if _, err := ParseMessage([]byte(raw)); !IsKind(err, KindValidation) {
			t.Errorf("ParseMessage(%s) err = %v, want validation error", raw, err)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	err := Generationf("provider failed")
	wrapped := errors.Join(errors.New("context"), err)
	if KindOf(wrapped) != KindGeneration {
		t.Errorf("KindOf = %q, want generation", KindOf(wrapped))
	}
	if !IsRetryable(err) {
		t.Error("generation errors should be retryable")
	}
	if IsRetryable(Conflictf("busy")) || IsRetryable(Validationf("bad")) {
		t.Error("only generation errors are retryable")
	}
	if KindOf(errors.New("disk")) != KindInternal {
		t.Error("untyped errors should be internal")
	}
	if !errors.Is(Conflictf("agent x not a participant"), &Error{Kind: KindConflict}) {
		t.Error("errors.Is should match by kind")
	}
}
