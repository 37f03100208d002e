package fingerprint

import (
	"math"
	"strings"
	"testing"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

func baseRequest() *providers.Request {
	return &providers.Request{
		Model: "gpt-4o",
		Messages: []providers.Message{
			{Role: "system", Text: "You are a supportive coach."},
			{Role: "user", Text: "Help me plan my morning."},
		},
		Temperature: providers.Float(0.7),
		MaxTokens:   400,
	}
}

func mustOf(t *testing.T, req *providers.Request) Fingerprint {
	t.Helper()
	fp, err := Of(req)
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	return fp
}

func TestOf_EqualRequestsEqualFingerprints(t *testing.T) {
	a, b := mustOf(t, baseRequest()), mustOf(t, baseRequest())
	if a != b {
		t.Fatalf("identical requests produced different fingerprints: %s vs %s", a, b)
	}
}

func TestOf_IgnoresVolatileFields(t *testing.T) {
	r1 := baseRequest()
	r2 := baseRequest()
	r2.RequestID = "req-123"
	r2.SkipCache = true
	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("request id and skip-cache must not affect the fingerprint")
	}
}

func TestOf_NormalizesRoleCase(t *testing.T) {
	r1 := baseRequest()
	r2 := baseRequest()
	r2.Messages[0].Role = "  SYSTEM "
	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("role casing and whitespace must not affect the fingerprint")
	}
}

func TestOf_SingleTextPartEqualsPlainContent(t *testing.T) {
	r1 := baseRequest()
	r2 := baseRequest()
	r2.Messages[1] = providers.Message{
		Role:  "user",
		Parts: []providers.ContentPart{{Type: providers.PartText, Text: "Help me plan my morning."}},
	}
	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("single text part must be equivalent to plain content")
	}
}

func TestOf_ImagePartDiffers(t *testing.T) {
	r1 := baseRequest()
	r2 := baseRequest()
	r2.Messages[1] = providers.Message{
		Role: "user",
		Parts: []providers.ContentPart{
			{Type: providers.PartText, Text: "Help me plan my morning."},
			{Type: providers.PartImageURL, URL: "https://example.com/a.png"},
		},
	}
	if mustOf(t, r1) == mustOf(t, r2) {
		t.Error("an added image part must change the fingerprint")
	}
}

func TestOf_ToolOrderIrrelevant(t *testing.T) {
	weather := providers.Tool{Name: "weather", Parameters: map[string]any{"type": "object"}}
	journal := providers.Tool{Name: "journal", Parameters: map[string]any{"type": "object", "required": []any{"entry"}}}

	r1 := baseRequest()
	r1.Tools = []providers.Tool{weather, journal}
	r2 := baseRequest()
	r2.Tools = []providers.Tool{journal, weather}

	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("tool definition order must not affect the fingerprint")
	}
}

func TestOf_StopOrderMatters_EmptyDropped(t *testing.T) {
	r1 := baseRequest()
	r1.Stop = []string{"END", "", "STOP"}
	r2 := baseRequest()
	r2.Stop = []string{"END", "STOP"}
	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("empty stop sequences must be dropped")
	}

	r3 := baseRequest()
	r3.Stop = []string{"STOP", "END"}
	if mustOf(t, r2) == mustOf(t, r3) {
		t.Error("stop sequence order is significant")
	}
}

func TestOf_FieldChangesAlterFingerprint(t *testing.T) {
	base := mustOf(t, baseRequest())

	mutations := map[string]func(r *providers.Request){
		"model":       func(r *providers.Request) { r.Model = "gpt-4o-mini" },
		"content":     func(r *providers.Request) { r.Messages[1].Text = "Help me plan my evening." },
		"temperature": func(r *providers.Request) { r.Temperature = providers.Float(0.2) },
		"temp digits": func(r *providers.Request) { r.Temperature = providers.Float(0.70001) },
		"no temp":     func(r *providers.Request) { r.Temperature = nil },
		"max tokens":  func(r *providers.Request) { r.MaxTokens = 401 },
		"top p":       func(r *providers.Request) { r.TopP = providers.Float(0.9) },
		"format":      func(r *providers.Request) { r.ResponseFormat = &providers.ResponseFormat{Type: "json_object"} },
		"tool choice": func(r *providers.Request) { r.ToolChoice = "required" },
		"name":        func(r *providers.Request) { r.Messages[1].Name = "alex" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			mutate(r)
			if mustOf(t, r) == base {
				t.Errorf("changing %s must change the fingerprint", name)
			}
		})
	}
}

func TestOf_SchemaKeyOrderIrrelevant(t *testing.T) {
	r1 := baseRequest()
	r1.ResponseFormat = &providers.ResponseFormat{
		Type:   "json_schema",
		Name:   "plan",
		Schema: map[string]any{"type": "object", "properties": map[string]any{"a": 1, "b": 2}},
	}
	r2 := baseRequest()
	r2.ResponseFormat = &providers.ResponseFormat{
		Type:   "JSON_SCHEMA",
		Name:   "plan",
		Schema: map[string]any{"properties": map[string]any{"b": 2, "a": 1}, "type": "object"},
	}
	if mustOf(t, r1) != mustOf(t, r2) {
		t.Error("schema map key order and format type casing must not matter")
	}
}

func TestFingerprint_Rendering(t *testing.T) {
	fp := mustOf(t, baseRequest())
	s := fp.String()
	if len(s) != 64 {
		t.Errorf("hex length = %d, want 64", len(s))
	}
	if s != strings.ToLower(s) {
		t.Error("hex must be lower-case")
	}
	if fp.Key() != "llm:"+s {
		t.Errorf("Key() = %q", fp.Key())
	}
	if fp.IsZero() {
		t.Error("computed fingerprint must not be zero")
	}
}

func TestOf_EquivalentFloatsAgree(t *testing.T) {
	r1 := baseRequest()
	r1.Temperature = providers.Float(0.70)
	if mustOf(t, r1) != mustOf(t, baseRequest()) {
		t.Error("0.70 and 0.7 must share a fingerprint")
	}
}

func TestOf_UnencodableValuesRejected(t *testing.T) {
	tests := map[string]func(r *providers.Request){
		"nan schema": func(r *providers.Request) {
			r.ResponseFormat = &providers.ResponseFormat{Type: "json_schema", Schema: map[string]any{"x": math.NaN()}}
		},
		"inf schema": func(r *providers.Request) {
			r.ResponseFormat = &providers.ResponseFormat{Type: "json_schema", Schema: map[string]any{"x": math.Inf(1)}}
		},
		"func tool param": func(r *providers.Request) {
			r.Tools = []providers.Tool{{Name: "journal", Parameters: map[string]any{"x": func() {}}}}
		},
		"chan tool param": func(r *providers.Request) {
			r.Tools = []providers.Tool{{Name: "journal", Parameters: map[string]any{"x": make(chan int)}}}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := baseRequest()
			mutate(r)
			fp, err := Of(r)
			if err == nil {
				t.Fatalf("Of succeeded with %s", fp)
			}
			if !fp.IsZero() {
				t.Errorf("fingerprint = %s, want zero on error", fp)
			}
			if data, err := Canonical(r); err == nil || data != nil {
				t.Errorf("Canonical = %q, %v; want error", data, err)
			}
		})
	}
}
