package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/carlvisagie/purposeful-live-coaching-sub008/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	// Retries belong to the gateway's attempt loop.
	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	params, err := buildChatCompletionParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		out.Content = c.Message.Content
		out.FinishReason = c.FinishReason
		for _, tc := range c.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return out, nil
}

func buildChatCompletionParams(req *providers.Request) (openaiSDK.ChatCompletionNewParams, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for i, m := range req.Messages {
		msg, err := toSDKMessage(m)
		if err != nil {
			return openaiSDK.ChatCompletionNewParams{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}

	for _, t := range req.Tools {
		fn := openaiSDK.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openaiSDK.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openaiSDK.String(t.Description)
		}
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(fn))
	}

	switch choice := strings.TrimSpace(req.ToolChoice); choice {
	case "":
	case "auto", "none", "required":
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openaiSDK.String(choice)}
	default:
		params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
				Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: choice},
			},
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		switch strings.ToLower(rf.Type) {
		case "", "text":
		case "json_object":
			params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &openaiSDK.ResponseFormatJSONObjectParam{},
			}
		case "json_schema":
			schema := openaiSDK.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   rf.Name,
				Schema: rf.Schema,
			}
			if rf.Strict {
				schema.Strict = openaiSDK.Bool(true)
			}
			params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &openaiSDK.ResponseFormatJSONSchemaParam{JSONSchema: schema},
			}
		default:
			return params, fmt.Errorf("unsupported response format %q", rf.Type)
		}
	}

	return params, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
			Code:       apierr.Code,
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(m providers.Message) (openaiSDK.ChatCompletionMessageParamUnion, error) {
	text := m.PlainText()

	switch strings.ToLower(strings.TrimSpace(m.Role)) {
	case "developer":
		return openaiSDK.DeveloperMessage(text), nil
	case "system":
		return openaiSDK.SystemMessage(text), nil
	case "assistant":
		return openaiSDK.AssistantMessage(text), nil
	case "tool":
		return openaiSDK.ToolMessage(text, m.ToolCallID), nil
	}

	var msg openaiSDK.ChatCompletionMessageParamUnion
	if m.IsPlain() {
		msg = openaiSDK.UserMessage(text)
	} else {
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch part.Type {
			case providers.PartText:
				parts = append(parts, openaiSDK.TextContentPart(part.Text))
			case providers.PartImageURL:
				parts = append(parts, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: part.URL}))
			case providers.PartFileURL:
				parts = append(parts, openaiSDK.FileContentPart(fileParam(part.URL)))
			default:
				return msg, fmt.Errorf("unsupported content part %q", part.Type)
			}
		}
		msg = openaiSDK.UserMessage(parts)
	}
	if m.Name != "" && msg.OfUser != nil {
		msg.OfUser.Name = openaiSDK.String(m.Name)
	}
	return msg, nil
}

// fileParam maps a file URL onto the chat API file part: inline data URLs are
// sent as file data, anything else as an uploaded file id.
func fileParam(u string) openaiSDK.ChatCompletionContentPartFileFileParam {
	if strings.HasPrefix(u, "data:") {
		return openaiSDK.ChatCompletionContentPartFileFileParam{FileData: openaiSDK.String(u)}
	}
	return openaiSDK.ChatCompletionContentPartFileFileParam{FileID: openaiSDK.String(u)}
}
