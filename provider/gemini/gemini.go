// Package gemini adapts the Google Gemini API to the airouter Provider
// interface, using the native responseSchema generation config for
// structured output. Gemini has no reliable way to replay a rejected
// document, so this adapter does not implement the repair protocol; the
// router falls back to the next provider instead.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/abejarano/airouter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini API adapter.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ airouter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the provider name. Useful when several directory
// entries point at Gemini with different keys or models.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:       "gemini",
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (p *Provider) Execute(ctx context.Context, req airouter.ProviderRequest) (airouter.ProviderResult, error) {
	body := buildRequest(req)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, req.APIKey)

	httpResp, err := p.doRequest(ctx, url, body)
	if err != nil {
		return airouter.ProviderResult{}, err
	}
	defer httpResp.Body.Close()

	if err := p.mapHTTPError(httpResp); err != nil {
		return airouter.ProviderResult{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return airouter.ProviderResult{}, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "decode response",
			Err:      err,
		}
	}
	if len(resp.Candidates) == 0 {
		return airouter.ProviderResult{}, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "empty candidates in response",
		}
	}

	// Long documents can arrive split across parts.
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	content := strings.TrimSpace(sb.String())

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
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage = airouter.EstimateUsage(req.SystemPrompt, req.UserPrompt, content)
	}

	return airouter.ProviderResult{
		Data:  data,
		Usage: usage,
	}, nil
}

func buildRequest(req airouter.ProviderRequest) geminiRequest {
	gr := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMIMEType: "application/json",
		},
	}
	if req.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if len(req.Schema.Definition) > 0 {
		gr.GenerationConfig.ResponseSchema = req.Schema.Definition
	}
	return gr
}

func (p *Provider) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &airouter.Error{
			Code:     airouter.CodeProviderError,
			Provider: p.name,
			Message:  "marshal request",
			Err:      err,
		}
	}

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
