package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/jobpipe/internal/openrouter"
)

// OpenRouterEngine serves chat through an OpenAI-compatible API.
type OpenRouterEngine struct {
	client      *openrouter.Client
	model       string
	temperature float64
}

func NewOpenRouterEngine(apiKey, baseURL, model string) *OpenRouterEngine {
	return &OpenRouterEngine{
		client:      openrouter.NewClient(apiKey, baseURL),
		model:       model,
		temperature: 0.2,
	}
}

func (e *OpenRouterEngine) Chat(ctx context.Context, messages []Message, schema *Schema) (Reply, error) {
	msgs := make([]openrouter.Message, len(messages))
	for i, m := range messages {
		msgs[i] = openrouter.Message{Role: m.Role, Content: m.Content}
	}
	temp := e.temperature
	req := openrouter.ChatRequest{Model: e.model, Messages: msgs, Temperature: &temp}
	if schema != nil {
		raw, err := json.Marshal(map[string]any{"name": "result", "strict": true, "schema": schema})
		if err != nil {
			return Reply{}, fmt.Errorf("encoding schema: %w", err)
		}
		req.ResponseFormat = &openrouter.ResponseFormat{Type: "json_schema", JSONSchema: raw}
	}

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return Reply{}, classify(err)
	}
	model := resp.Model
	if model == "" {
		model = e.model
	}
	return Reply{Content: resp.Choices[0].Message.Content, Provider: "openrouter", Model: model}, nil
}

func (e *OpenRouterEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}

func (e *OpenRouterEngine) HasModel(ctx context.Context) bool {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.ID == e.model {
			return true
		}
	}
	return false
}
