package providers

import (
	"encoding/json"
	"testing"
)

func TestResolveProvider_KnownTiers(t *testing.T) {
	tests := []struct {
		tier     string
		expected string
	}{
		{"gpt-4o", "openai"},
		{"gpt-4o-mini", "openai"},
		{"gpt-4.1-nano", "openai"},
		{"claude-3-5-haiku", "anthropic"},
		{"claude-sonnet-4", "anthropic"},
		{"gemini-2.0-flash", "gemini"},
		{"gemini-2.5-pro", "gemini"},
	}

	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			if got := ResolveProvider(tt.tier); got != tt.expected {
				t.Errorf("ResolveProvider(%q) = %q, want %q", tt.tier, got, tt.expected)
			}
		})
	}
}

func TestResolveProvider_UnknownTier_DefaultsToOpenAI(t *testing.T) {
	if got := ResolveProvider("some-unknown-model"); got != "openai" {
		t.Errorf("ResolveProvider(unknown) = %q, want 'openai'", got)
	}
	if got := ResolveProvider(""); got != "openai" {
		t.Errorf("ResolveProvider('') = %q, want 'openai'", got)
	}
}

func TestMessage_UnmarshalStringContent(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Role != "user" || m.Text != "hello" || len(m.Parts) != 0 {
		t.Errorf("got %+v", m)
	}
}

func TestMessage_UnmarshalPartsContent(t *testing.T) {
	body := `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","url":"https://x/y.png"}]}`
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(m.Parts))
	}
	if m.Parts[1].Type != PartImageURL || m.Parts[1].URL != "https://x/y.png" {
		t.Errorf("second part = %+v", m.Parts[1])
	}
	if m.IsPlain() {
		t.Error("multi-part message must not be plain")
	}
	if got := m.PlainText(); got != "look" {
		t.Errorf("PlainText() = %q, want look", got)
	}
}

func TestMessage_UnmarshalRejectsUnknownPart(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"audio"}]}`), &m)
	if err == nil {
		t.Fatal("expected error for unsupported part type")
	}
}

func TestMessage_MarshalPlainAsString(t *testing.T) {
	data, err := json.Marshal(Message{Role: "system", Text: "be brief"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"role":"system","content":"be brief"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestQuickRequest(t *testing.T) {
	req := QuickRequest("hi", "")
	if req.Model != QuickTier {
		t.Errorf("Model = %q, want %q", req.Model, QuickTier)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 (empty system omitted)", len(req.Messages))
	}
	if req.MaxTokens != 500 || req.Temperature == nil || *req.Temperature != 0.3 {
		t.Errorf("unexpected sampling: max=%d temp=%v", req.MaxTokens, req.Temperature)
	}
}

func TestPremiumRequest(t *testing.T) {
	req := PremiumRequest("plan my week", "you are a coach")
	if req.Model != PremiumTier {
		t.Errorf("Model = %q, want %q", req.Model, PremiumTier)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if req.MaxTokens != 2000 || *req.Temperature != 0.7 {
		t.Errorf("unexpected sampling: max=%d temp=%v", req.MaxTokens, *req.Temperature)
	}
}
