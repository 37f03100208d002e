package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Complete calls generateContent. Assistant turns map to the "model" role and
// system turns to the system instruction.
func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}

	contents, cfg, err := buildContentsAndConfig(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    "gemini-" + uuid.NewString(),
		Model: req.Model,
	}
	if resp == nil {
		return out, nil
	}

	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	out.Content = resp.Text()
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	for _, fc := range resp.FunctionCalls() {
		args, _ := json.Marshal(fc.Args)
		out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
			ID:        fc.ID,
			Name:      fc.Name,
			Arguments: string(args),
		})
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for i, m := range req.Messages {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.PlainText()

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.PlainText(), genai.RoleModel))

		case "tool":
			contents = append(contents, genai.NewContentFromParts(
				[]*genai.Part{toolResultPart(m)}, genai.RoleUser,
			))

		default: // user / unknown
			parts, err := toParts(m)
			if err != nil {
				return nil, nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	set := false

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
		set = true
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
		set = true
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
		set = true
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
		set = true
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
		set = true
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if t.Parameters != nil {
				decls[i].ParametersJsonSchema = t.Parameters
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		set = true
	}

	switch choice := strings.TrimSpace(req.ToolChoice); choice {
	case "":
	case "auto":
		cfg.ToolConfig = functionCalling(genai.FunctionCallingConfigModeAuto)
		set = true
	case "required":
		cfg.ToolConfig = functionCalling(genai.FunctionCallingConfigModeAny)
		set = true
	case "none":
		cfg.ToolConfig = functionCalling(genai.FunctionCallingConfigModeNone)
		set = true
	default:
		cfg.ToolConfig = functionCalling(genai.FunctionCallingConfigModeAny, choice)
		set = true
	}

	if rf := req.ResponseFormat; rf != nil {
		switch strings.ToLower(rf.Type) {
		case "", "text":
		case "json_object":
			cfg.ResponseMIMEType = "application/json"
			set = true
		case "json_schema":
			cfg.ResponseMIMEType = "application/json"
			if rf.Schema != nil {
				cfg.ResponseJsonSchema = rf.Schema
			}
			set = true
		default:
			return nil, nil, fmt.Errorf("unsupported response format %q", rf.Type)
		}
	}

	if !set {
		cfg = nil
	}
	return contents, cfg, nil
}

func functionCalling(mode genai.FunctionCallingConfigMode, allowed ...string) *genai.ToolConfig {
	return &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 mode,
			AllowedFunctionNames: allowed,
		},
	}
}

func toParts(m providers.Message) ([]*genai.Part, error) {
	if m.IsPlain() {
		return []*genai.Part{genai.NewPartFromText(m.PlainText())}, nil
	}
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case providers.PartText:
			parts = append(parts, genai.NewPartFromText(part.Text))
		case providers.PartImageURL:
			parts = append(parts, genai.NewPartFromURI(part.URL, "image/*"))
		case providers.PartFileURL:
			parts = append(parts, genai.NewPartFromURI(part.URL, "application/pdf"))
		default:
			return nil, fmt.Errorf("unsupported content part %q", part.Type)
		}
	}
	return parts, nil
}

// toolResultPart wraps a tool turn as a function response. JSON object
// payloads are passed through; anything else is sent as {"output": text}.
func toolResultPart(m providers.Message) *genai.Part {
	text := m.PlainText()
	response := map[string]any{}
	if err := json.Unmarshal([]byte(text), &response); err != nil || len(response) == 0 {
		response = map[string]any{"output": text}
	}
	part := genai.NewPartFromFunctionResponse(m.Name, response)
	part.FunctionResponse.ID = m.ToolCallID
	return part
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
