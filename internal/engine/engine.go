// Package engine hides which chat backend (OpenRouter or a local Ollama)
// serves the summarize, translate and scoring stages.
package engine

import "context"

// Engine is a chat completion backend bound to one model.
type Engine interface {
	// Chat sends messages and returns the assistant's reply. When schema is
	// non-nil, structured JSON output in that shape is requested.
	Chat(ctx context.Context, messages []Message, schema *Schema) (Reply, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// Reply is a completion plus the provider and model that produced it.
type Reply struct {
	Content  string
	Provider string
	Model    string
}
