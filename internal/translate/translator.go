// Package translate translates transcripts and summaries with a chat engine.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/jobpipe/internal/composer"
	"github.com/kalambet/jobpipe/internal/engine"
)

// Result is a translation plus the provider and model that wrote it.
type Result struct {
	Text     string
	Provider string
	Model    string
}

type Translator struct {
	engine   engine.Engine
	composer *composer.Composer
}

func New(e engine.Engine, c *composer.Composer) *Translator {
	if c == nil {
		c = composer.New(0)
	}
	return &Translator{engine: e, composer: c}
}

// Translate renders text in language. Long input is translated piece by
// piece and joined with blank lines.
func (t *Translator) Translate(ctx context.Context, text, language string) (Result, error) {
	var (
		out   []string
		reply engine.Reply
	)
	for _, piece := range t.composer.Split(text) {
		var err error
		reply, err = t.engine.Chat(ctx, t.composer.Translation(piece, language), nil)
		if err != nil {
			return Result{}, err
		}
		translated := strings.TrimSpace(reply.Content)
		if translated == "" {
			return Result{}, engine.Malformed(fmt.Errorf("empty translation"))
		}
		out = append(out, translated)
	}
	return Result{Text: strings.Join(out, "\n\n"), Provider: reply.Provider, Model: reply.Model}, nil
}
