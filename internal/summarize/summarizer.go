// Package summarize produces transcript summaries with a chat engine.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/jobpipe/internal/composer"
	"github.com/kalambet/jobpipe/internal/engine"
)

// Result is a summary plus the provider and model that wrote it.
type Result struct {
	Text     string
	Provider string
	Model    string
}

type Summarizer struct {
	engine   engine.Engine
	composer *composer.Composer
}

func New(e engine.Engine, c *composer.Composer) *Summarizer {
	if c == nil {
		c = composer.New(0)
	}
	return &Summarizer{engine: e, composer: c}
}

// Summarize condenses transcript. Transcripts over the input budget are
// summarized section by section and the partial summaries merged.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (Result, error) {
	parts := s.composer.Split(transcript)
	if len(parts) == 1 {
		return s.complete(ctx, s.composer.Summary(parts[0]))
	}

	partials := make([]string, 0, len(parts))
	for i, p := range parts {
		r, err := s.complete(ctx, s.composer.Summary(p))
		if err != nil {
			return Result{}, fmt.Errorf("summarizing section %d: %w", i+1, err)
		}
		partials = append(partials, r.Text)
	}
	return s.complete(ctx, s.composer.MergeSummaries(partials))
}

func (s *Summarizer) complete(ctx context.Context, msgs []engine.Message) (Result, error) {
	reply, err := s.engine.Chat(ctx, msgs, nil)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(reply.Content)
	if text == "" {
		return Result{}, engine.Malformed(fmt.Errorf("empty summary"))
	}
	return Result{Text: text, Provider: reply.Provider, Model: reply.Model}, nil
}
