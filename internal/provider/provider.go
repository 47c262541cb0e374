package provider

import "context"

// Provider is a chat completion backend.
type Provider interface {
	// ID returns the registry key for this provider instance.
	ID() string

	// Name returns a human-readable label for logs and status output.
	Name() string

	// Chat sends a chat completion request and waits for the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream sends a chat completion request and returns a channel of events.
	// The channel is closed after EventDone or EventError.
	Stream(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)

	// Available probes whether the backend is reachable right now.
	// Implementations bound the probe with their own short timeout.
	Available(ctx context.Context) bool
}
