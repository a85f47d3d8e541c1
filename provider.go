package airouter

import (
	"context"
	"encoding/json"
)

// Provider is the interface that backend adapters must implement. One
// adapter instance serves one configured provider entry; its Name must
// match the entry's id.
type Provider interface {
	// Name returns the provider identifier this adapter serves.
	Name() string

	// Execute performs a single structured-generation call.
	Execute(ctx context.Context, req ProviderRequest) (ProviderResult, error)
}

// Repairer is implemented by adapters that can ask the backend to correct
// an invalid response. The router calls it at most once per request.
type Repairer interface {
	RepairInvalidResponse(ctx context.Context, req RepairRequest) (ProviderResult, error)
}

// ProviderRequest is the request handed to an adapter. Credential and model
// come from the provider's configuration, not from the caller.
type ProviderRequest struct {
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Schema       Schema
}

// ProviderResult is a successful adapter response.
type ProviderResult struct {
	// Data is the JSON document produced by the backend.
	Data json.RawMessage

	Usage Usage

	// Hint carries backend-reported quota, when the backend exposes it.
	Hint *RemainingHint
}

// RepairRequest describes a failed response for the backend to correct.
type RepairRequest struct {
	ProviderRequest

	// InvalidPayload is the document that failed validation, verbatim.
	InvalidPayload json.RawMessage

	// Reason is a short description of why the payload was rejected.
	Reason string
}
