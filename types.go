package airouter

import (
	"encoding/json"
	"time"
)

// Request is a structured-generation request. The router picks the backend;
// callers describe only what they want produced.
type Request struct {
	SystemPrompt string
	UserPrompt   string

	// Schema describes the JSON document the backend must produce.
	Schema Schema

	// Validate, when set, is applied to the returned document before the
	// request is considered successful. A non-nil error marks the response
	// invalid and triggers the repair protocol.
	Validate func(data json.RawMessage) error
}

// Schema is a named JSON Schema passed to backends that support structured
// output natively.
type Schema struct {
	Name       string          `json:"name"`
	Strict     bool            `json:"strict"`
	Definition json.RawMessage `json:"schema"`
}

// Usage reports token consumption for a single backend call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RemainingHint carries quota data reported by the backend itself,
// typically parsed from rate-limit response headers. Values below zero
// mean the backend did not report that dimension.
type RemainingHint struct {
	RemainingRequests int64
	RemainingTokens   int64
	ResetAt           time.Time // zero when not reported
}

// RoutingInfo describes which provider served a request and how.
type RoutingInfo struct {
	Provider string
	Model    string
	Attempts int
	Repaired bool
}

// Result is a successful structured-generation outcome.
type Result struct {
	Data    json.RawMessage
	Usage   Usage
	Routing RoutingInfo
}
