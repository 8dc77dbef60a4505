package engine

import (
	"context"

	"github.com/kalambet/jobpipe/internal/ollama"
)

// OllamaEngine adapts internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
	model  string
}

func NewOllamaEngine(baseURL, model string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL), model: model}
}

func (e *OllamaEngine) Chat(ctx context.Context, messages []Message, schema *Schema) (Reply, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	content, err := e.client.Chat(ctx, e.model, msgs, toOllamaSchema(schema))
	if err != nil {
		return Reply{}, classify(err)
	}
	return Reply{Content: content, Provider: "ollama", Model: e.model}, nil
}

func toOllamaSchema(s *Schema) *ollama.Schema {
	if s == nil {
		return nil
	}
	out := &ollama.Schema{Type: s.Type, Required: s.Required}
	if s.Properties != nil {
		out.Properties = make(map[string]ollama.SchemaProperty, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toOllamaProperty(v)
		}
	}
	return out
}

func toOllamaProperty(p SchemaProperty) ollama.SchemaProperty {
	out := ollama.SchemaProperty{
		Type:        p.Type,
		Description: p.Description,
		Minimum:     p.Minimum,
		Maximum:     p.Maximum,
	}
	if p.Items != nil {
		items := toOllamaProperty(*p.Items)
		out.Items = &items
	}
	return out
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context) bool {
	return e.client.HasModel(ctx, e.model)
}

func (e *OllamaEngine) PullModel(ctx context.Context, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
		}
	}
	return e.client.PullModel(ctx, e.model, cb)
}
