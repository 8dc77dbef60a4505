// Package composer assembles the chat prompts for the summarize and
// translate stages and splits long inputs to fit a token budget.
package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/jobpipe/internal/engine"
)

const defaultMaxInputTokens = 6000

// Composer builds prompts whose user content stays under MaxInputTokens.
type Composer struct {
	MaxInputTokens int
}

// New creates a Composer with the given input budget. If maxInputTokens <= 0,
// the default (6000) is used.
func New(maxInputTokens int) *Composer {
	if maxInputTokens <= 0 {
		maxInputTokens = defaultMaxInputTokens
	}
	return &Composer{MaxInputTokens: maxInputTokens}
}

const summarySystemPrompt = `You summarize transcripts of recorded audio. Write a concise summary in the same language as the transcript. Cover the main topics, decisions and action items. Do not invent facts that are not in the transcript. Reply with the summary text only.`

const mergeSystemPrompt = `You are given partial summaries of consecutive sections of one transcript. Merge them into a single concise summary in the same language. Reply with the summary text only.`

const translationSystemPrompt = `You are a professional translator. Translate the user's text into %s. Preserve meaning, tone, names and paragraph breaks. Reply with the translation only, without notes or quotation marks.`

// Summary returns the messages that summarize one transcript section.
func (c *Composer) Summary(text string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: text},
	}
}

// MergeSummaries returns the messages that combine section summaries.
func (c *Composer) MergeSummaries(parts []string) []engine.Message {
	var sb strings.Builder
	for i, p := range parts {
		fmt.Fprintf(&sb, "[Section %d]\n%s\n\n", i+1, strings.TrimSpace(p))
	}
	return []engine.Message{
		{Role: "system", Content: mergeSystemPrompt},
		{Role: "user", Content: strings.TrimSpace(sb.String())},
	}
}

// Translation returns the messages that translate text into language, a
// BCP-47 code such as "es" or "pt-BR".
func (c *Composer) Translation(text, language string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(translationSystemPrompt, LanguageName(language))},
		{Role: "user", Content: text},
	}
}

// Split breaks text into pieces of at most MaxInputTokens, cutting at
// paragraph breaks, then sentence ends, then spaces. Text that fits is
// returned as a single piece.
func (c *Composer) Split(text string) []string {
	text = strings.TrimSpace(text)
	limit := c.MaxInputTokens * 4
	if EstimateTokens(text) <= c.MaxInputTokens {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := cutPoint(text, limit)
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// cutPoint picks where to end the next piece of text, at most limit bytes in.
func cutPoint(text string, limit int) int {
	window := text[:limit]
	for _, sep := range []string{"\n\n", ". ", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > len(window)/2 {
			return i + len(sep)
		}
	}
	i := limit
	for i > 1 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
