// Package openaicompat adapts any OpenAI-compatible chat completion API
// to the airouter Provider interface, using the json_schema response
// format for structured output. It also implements the repair protocol by
// echoing the rejected document back as an assistant turn.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/abejarano/airouter"
)

// Provider is a universal OpenAI-compatible API adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var (
	_ airouter.Provider = (*Provider)(nil)
	_ airouter.Repairer = (*Provider)(nil)
)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates an OpenAI-compatible provider. The name must match the
// provider entry it serves.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates a provider for Grok/xAI.
func NewGrok(opts ...Option) *Provider {
	return New("grok", "https://api.x.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model          string             `json:"model"`
	Messages       []apiMessage       `json:"messages"`
	ResponseFormat *apiResponseFormat `json:"response_format,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponseFormat requests native structured output. airouter.Schema
// already marshals to the expected {name, strict, schema} shape.
type apiResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema airouter.Schema `json:"json_schema"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Execute(ctx context.Context, req airouter.ProviderRequest) (airouter.ProviderResult, error) {
	return p.complete(ctx, req, baseMessages(req))
}

// RepairInvalidResponse replays the conversation with the rejected
// document as an assistant turn and asks for a corrected one.
func (p *Provider) RepairInvalidResponse(ctx context.Context, req airouter.RepairRequest) (airouter.ProviderResult, error) {
	msgs := append(baseMessages(req.ProviderRequest),
		apiMessage{Role: "assistant", Content: string(req.InvalidPayload)},
		apiMessage{Role: "user", Content: repairPrompt(req.Reason)},
	)
	return p.complete(ctx, req.ProviderRequest, msgs)
}

func baseMessages(req airouter.ProviderRequest) []apiMessage {
	var msgs []apiMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	return append(msgs, apiMessage{Role: "user", Content: req.UserPrompt})
}

func repairPrompt(reason string) string {
	return "The previous response was rejected: " + reason +
		". Return a corrected JSON document that satisfies the schema exactly, with no other text."
}

func (p *Provider) complete(ctx context.Context, req airouter.ProviderRequest, msgs []apiMessage) (airouter.ProviderResult, error) {
	body := apiRequest{Model: req.Model, Messages: msgs}
	if len(req.Schema.Definition) > 0 {
		body.ResponseFormat = &apiResponseFormat{Type: "json_schema", JSONSchema: req.Schema}
	}

	httpResp, err := p.doRequest(ctx, req.APIKey, body)
	if err != nil {
		return airouter.ProviderResult{}, err
	}
	defer httpResp.Body.Close()

	if err := p.mapHTTPError(httpResp); err != nil {
		return airouter.ProviderResult{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return airouter.ProviderResult{}, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "decode response",
			Err:      err,
		}
	}
	if len(resp.Choices) == 0 {
		return airouter.ProviderResult{}, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "empty choices in response",
		}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	data := json.RawMessage(content)
	if !json.Valid(data) {
		return airouter.ProviderResult{}, &airouter.Error{
			Code:     airouter.CodeInvalidResponse,
			Provider: p.name,
			Message:  "response is not valid JSON",
			Payload:  data,
		}
	}

	usage := airouter.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	// Some compatible backends omit usage; estimate so budgets still move.
	if usage.TotalTokens == 0 {
		usage = airouter.EstimateUsage(req.SystemPrompt, req.UserPrompt, content)
	}

	return airouter.ProviderResult{
		Data:  data,
		Usage: usage,
		Hint:  parseHint(httpResp.Header),
	}, nil
}

func (p *Provider) doRequest(ctx context.Context, apiKey string, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "marshal request",
			Err:      err,
		}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "create request",
			Err:      err,
		}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "request failed",
			Err:      err,
		}
	}
	return resp, nil
}

func (p *Provider) mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	code := airouter.CodeProviderError
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = airouter.CodeAuthError
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &airouter.Error{
		Code:     code,
		Provider: p.name,
		Status:   resp.StatusCode,
		Message:  msg,
	}
}

// parseHint reads the x-ratelimit response headers OpenAI-compatible
// backends expose. Nil when the backend reported nothing.
func parseHint(h http.Header) *airouter.RemainingHint {
	requests := headerInt(h, "x-ratelimit-remaining-requests")
	tokens := headerInt(h, "x-ratelimit-remaining-tokens")
	if requests < 0 && tokens < 0 {
		return nil
	}

	hint := &airouter.RemainingHint{
		RemainingRequests: requests,
		RemainingTokens:   tokens,
	}
	// Reset headers are durations like "1s" or "6m20s".
	if d, err := time.ParseDuration(h.Get("x-ratelimit-reset-requests")); err == nil && d > 0 {
		hint.ResetAt = time.Now().Add(d)
	}
	return hint
}

func headerInt(h http.Header, key string) int64 {
	v := h.Get(key)
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
