// Package providers defines the upstream boundary of the gateway: the
// normalized completion request and response, and the Provider interface that
// every LLM client (OpenAI, Anthropic, Gemini) implements.
//
// Each provider lives in its own sub-package. Errors returned by providers
// that originate from an HTTP response implement StatusCoder so the gateway
// can classify them as throttled, transient, or fatal.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Content part types accepted inside a Message.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFileURL  = "file_url"
)

type (
	// ContentPart is one typed element of a multi-part message.
	ContentPart struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		URL  string `json:"url,omitempty"`
	}

	// Message is a single role-tagged turn in a conversation. Content is either
	// plain Text or a list of Parts; a message carrying exactly one text part is
	// equivalent to the same text given as plain content.
	Message struct {
		Role       string        `json:"role"`
		Name       string        `json:"name,omitempty"`
		ToolCallID string        `json:"tool_call_id,omitempty"`
		Text       string        `json:"-"`
		Parts      []ContentPart `json:"-"`
	}

	// Tool is a function the model may call.
	Tool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// ResponseFormat constrains the shape of the model output.
	// Type is "text", "json_object" or "json_schema".
	ResponseFormat struct {
		Type   string         `json:"type"`
		Name   string         `json:"name,omitempty"`
		Schema map[string]any `json:"schema,omitempty"`
		Strict bool           `json:"strict,omitempty"`
	}

	// Request is the normalized completion request. Model names the requested
	// tier. RequestID and SkipCache are volatile: they never affect identity.
	Request struct {
		Model          string          `json:"model"`
		Messages       []Message       `json:"messages"`
		Temperature    *float64        `json:"temperature,omitempty"`
		MaxTokens      int             `json:"max_tokens,omitempty"`
		TopP           *float64        `json:"top_p,omitempty"`
		Stop           []string        `json:"stop,omitempty"`
		Tools          []Tool          `json:"tools,omitempty"`
		ToolChoice     string          `json:"tool_choice,omitempty"`
		ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

		RequestID string `json:"request_id,omitempty"`
		SkipCache bool   `json:"skip_cache,omitempty"`
	}

	// ToolCall is a function invocation requested by the model.
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// Usage: token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Response: normalized provider response.
	Response struct {
		ID           string     `json:"id"`
		Model        string     `json:"model"`
		Content      string     `json:"content"`
		FinishReason string     `json:"finish_reason,omitempty"`
		ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
		Usage        Usage      `json:"usage"`
	}
)

// Provider: LLM provider interface.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by errors that carry the upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Default upstream constants.
const (
	ProviderTimeout = 30 * time.Second
	DefaultProvider = "openai"
)

// Tier presets used by QuickRequest and PremiumRequest.
const (
	QuickTier   = "gpt-4.1-nano"
	PremiumTier = "gpt-4o"
)

// PlainText returns the textual content of the message: Text when set,
// otherwise the concatenation of its text parts.
func (m Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// IsPlain reports whether the message can be sent as plain text content.
func (m Message) IsPlain() bool {
	if len(m.Parts) == 0 {
		return true
	}
	return len(m.Parts) == 1 && m.Parts[0].Type == PartText
}

type wireMessage struct {
	Role       string          `json:"role"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Content    json.RawMessage `json:"content"`
}

// MarshalJSON renders content as a string for plain messages and as an array
// of parts otherwise.
func (m Message) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if len(m.Parts) == 0 {
		content, err = json.Marshal(m.Text)
	} else {
		content, err = json.Marshal(m.Parts)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		Content:    content,
	})
}

// UnmarshalJSON accepts content as a bare string or an array of parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{Role: w.Role, Name: w.Name, ToolCallID: w.ToolCallID}
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Text = s
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return fmt.Errorf("'content' must be a string or array of parts")
	}
	for _, p := range parts {
		switch p.Type {
		case PartText, PartImageURL, PartFileURL:
		default:
			return fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	m.Parts = parts
	return nil
}

// QuickRequest builds a low-cost request on the cheapest tier for short
// answers. An empty system prompt is omitted.
func QuickRequest(prompt, system string) *Request {
	return presetRequest(QuickTier, prompt, system, 500, 0.3)
}

// PremiumRequest builds a request on the highest-quality tier.
func PremiumRequest(prompt, system string) *Request {
	return presetRequest(PremiumTier, prompt, system, 2000, 0.7)
}

func presetRequest(tier, prompt, system string, maxTokens int, temperature float64) *Request {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Text: system})
	}
	msgs = append(msgs, Message{Role: "user", Text: prompt})
	return &Request{
		Model:       tier,
		Messages:    msgs,
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	}
}

// Float returns a pointer to v, for optional sampling parameters.
func Float(v float64) *float64 { return &v }

// ModelAliases maps model tiers to provider names.
// Tiers not listed here route to DefaultProvider.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":        "openai",
	"gpt-4o":       "openai",
	"gpt-4o-mini":  "openai",
	"gpt-4-turbo":  "openai",
	"gpt-4.1":      "openai",
	"gpt-4.1-mini": "openai",
	"gpt-4.1-nano": "openai",
	"o1":           "openai",
	"o3":           "openai",
	"o3-mini":      "openai",
	"o4-mini":      "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-sonnet-4-5":          "anthropic",
	"claude-haiku-4-5":           "anthropic",

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
}

// ResolveProvider returns the provider name serving the given tier.
func ResolveProvider(tier string) string {
	if name, ok := ModelAliases[tier]; ok {
		return name
	}
	return DefaultProvider
}
