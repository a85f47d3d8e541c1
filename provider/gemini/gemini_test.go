package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/abejarano/airouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() airouter.ProviderRequest {
	return airouter.ProviderRequest{
		APIKey:       "gm-test-key",
		Model:        "gemini-2.0-flash",
		SystemPrompt: "You are a terse assistant.",
		UserPrompt:   "Summarize the weather.",
		Schema: airouter.Schema{
			Name:       "weather",
			Strict:     true,
			Definition: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}}}`),
		},
	}
}

type capturingServer struct {
	mu       sync.Mutex
	requests []geminiRequest
	paths    []string
	handler  func(w http.ResponseWriter)
	srv      *httptest.Server
}

func newCapturingServer(t *testing.T, handler func(w http.ResponseWriter)) *capturingServer {
	t.Helper()
	cs := &capturingServer{handler: handler}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", 500)
			return
		}
		cs.mu.Lock()
		cs.requests = append(cs.requests, req)
		cs.paths = append(cs.paths, r.URL.Path+"?"+r.URL.RawQuery)
		cs.mu.Unlock()
		cs.handler(w)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func respondContent(w http.ResponseWriter, content string, promptTokens, completionTokens int64) {
	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": content}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]int64{
			"promptTokenCount":     promptTokens,
			"candidatesTokenCount": completionTokens,
			"totalTokenCount":      promptTokens + completionTokens,
		},
	}
	json.NewEncoder(w).Encode(resp)
}

// --- constructor tests ---

func TestName_Default(t *testing.T) {
	assert.Equal(t, "gemini", New().Name())
}

func TestName_Custom(t *testing.T) {
	assert.Equal(t, "gemini-flash", New(WithName("gemini-flash")).Name())
}

func TestNoRepairSupport(t *testing.T) {
	// The router probes for repair support at runtime; Gemini opts out.
	var p any = New()
	_, ok := p.(airouter.Repairer)
	assert.False(t, ok)
}

// --- Execute tests ---

func TestExecute_Success(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		respondContent(w, ` {"summary":"sunny"} `, 12, 7)
	})

	p := New(WithBaseURL(cs.srv.URL))
	res, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	assert.JSONEq(t, `{"summary":"sunny"}`, string(res.Data))
	assert.Equal(t, int64(12), res.Usage.PromptTokens)
	assert.Equal(t, int64(7), res.Usage.CompletionTokens)
	assert.Equal(t, int64(19), res.Usage.TotalTokens)
	// Gemini reports no rate-limit headers.
	assert.Nil(t, res.Hint)
}

func TestExecute_RequestShape(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		respondContent(w, `{"summary":"ok"}`, 1, 1)
	})

	p := New(WithBaseURL(cs.srv.URL))
	_, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	require.Len(t, cs.requests, 1)
	sent := cs.requests[0]

	// Model and key ride in the URL, not the body.
	assert.Contains(t, cs.paths[0], "/models/gemini-2.0-flash:generateContent")
	assert.Contains(t, cs.paths[0], "key=gm-test-key")

	require.Len(t, sent.Contents, 1)
	assert.Equal(t, "user", sent.Contents[0].Role)
	assert.Equal(t, "Summarize the weather.", sent.Contents[0].Parts[0].Text)

	require.NotNil(t, sent.SystemInstruction)
	assert.Equal(t, "You are a terse assistant.", sent.SystemInstruction.Parts[0].Text)

	require.NotNil(t, sent.GenerationConfig)
	assert.Equal(t, "application/json", sent.GenerationConfig.ResponseMIMEType)
	assert.JSONEq(t, `{"type":"object","properties":{"summary":{"type":"string"}}}`,
		string(sent.GenerationConfig.ResponseSchema))
}

func TestExecute_NoSystemPromptOrSchema(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		respondContent(w, `{"summary":"ok"}`, 1, 1)
	})

	req := testRequest()
	req.SystemPrompt = ""
	req.Schema = airouter.Schema{}

	p := New(WithBaseURL(cs.srv.URL))
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, cs.requests, 1)
	assert.Nil(t, cs.requests[0].SystemInstruction)
	// JSON output is still requested even without a schema.
	require.NotNil(t, cs.requests[0].GenerationConfig)
	assert.Equal(t, "application/json", cs.requests[0].GenerationConfig.ResponseMIMEType)
	assert.Empty(t, cs.requests[0].GenerationConfig.ResponseSchema)
}

func TestExecute_MultiPartContent(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		resp := map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]string{
							{"text": `{"summary":`},
							{"text": `"split"}`},
						},
					},
					"finishReason": "STOP",
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	p := New(WithBaseURL(cs.srv.URL))
	res, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"split"}`, string(res.Data))
}

func TestExecute_AuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"API key not valid"}}`)
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	_, err := p.Execute(context.Background(), testRequest())

	require.Error(t, err)
	assert.True(t, airouter.IsCode(err, airouter.CodeAuthError))

	var provErr *airouter.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "gemini", provErr.Provider)
	assert.Equal(t, http.StatusForbidden, provErr.Status)
	assert.Contains(t, provErr.Message, "API key not valid")
}

func TestExecute_RateLimitStatusPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	_, err := p.Execute(context.Background(), testRequest())

	var provErr *airouter.Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, airouter.CodeProviderError, provErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, provErr.Status)
}

func TestExecute_InvalidJSONContent(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		respondContent(w, "I cannot produce JSON for that.", 5, 5)
	})

	p := New(WithBaseURL(cs.srv.URL))
	_, err := p.Execute(context.Background(), testRequest())

	require.Error(t, err)
	assert.True(t, airouter.IsCode(err, airouter.CodeInvalidResponse))

	var provErr *airouter.Error
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, string(provErr.Payload), "cannot produce")
}

func TestExecute_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	p := New(WithBaseURL(srv.URL))
	_, err := p.Execute(context.Background(), testRequest())

	require.Error(t, err)
	assert.True(t, airouter.IsCode(err, airouter.CodeProviderError))
}

func TestExecute_UsageEstimatedWhenMissing(t *testing.T) {
	cs := newCapturingServer(t, func(w http.ResponseWriter) {
		respondContent(w, `{"summary":"cloudy"}`, 0, 0)
	})

	p := New(WithBaseURL(cs.srv.URL))
	res, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	req := testRequest()
	want := airouter.EstimateUsage(req.SystemPrompt, req.UserPrompt, `{"summary":"cloudy"}`)
	assert.Equal(t, want, res.Usage)
	assert.Positive(t, res.Usage.TotalTokens)
}
