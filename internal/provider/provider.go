// Package provider defines the narrow LLM provider contract consumed by the
// context engine together with the chat message types it operates on.
package provider

import "context"

// Provider is the generation dependency used by summarizing compactors.
// Vendor wire formats, auth and rate limiting live behind implementations.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Name implements Provider.
func (f ProviderFunc) Name() string { return "func" }

// Chat implements Provider.
func (f ProviderFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}
