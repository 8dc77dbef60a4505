// Package scoring rates how well a resume fits a job description using a chat
// engine with structured JSON output.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/jobpipe/internal/engine"
)

// Result is a parsed compatibility assessment. Data is the normalized JSON
// document stored on the analysis.
type Result struct {
	Score    int
	Data     json.RawMessage
	Provider string
	Model    string
}

// Assessment is the structured output requested from the model.
type Assessment struct {
	CompatibilityScore int      `json:"compatibilityScore"`
	Summary            string   `json:"summary"`
	Strengths          []string `json:"strengths"`
	Gaps               []string `json:"gaps"`
	Recommendations    []string `json:"recommendations,omitempty"`
}

type Scorer struct {
	engine engine.Engine
}

func NewScorer(e engine.Engine) *Scorer {
	return &Scorer{engine: e}
}

// Score asks the engine for an assessment of resume against job. A reply that
// does not parse or carries an out-of-range score is a malformed_response
// provider error.
func (s *Scorer) Score(ctx context.Context, resume, job string) (Result, error) {
	reply, err := s.engine.Chat(ctx, BuildPrompt(resume, job), assessmentSchema())
	if err != nil {
		return Result{}, err
	}

	a, err := parseAssessment(reply.Content)
	if err != nil {
		return Result{}, engine.Malformed(err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return Result{}, fmt.Errorf("encoding assessment: %w", err)
	}
	return Result{Score: a.CompatibilityScore, Data: data, Provider: reply.Provider, Model: reply.Model}, nil
}

func parseAssessment(raw string) (Assessment, error) {
	raw = stripFences(raw)
	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Assessment{}, fmt.Errorf("unmarshaling assessment: %w", err)
	}
	if a.CompatibilityScore < 0 || a.CompatibilityScore > 100 {
		return Assessment{}, fmt.Errorf("compatibility score %d out of range", a.CompatibilityScore)
	}
	if a.Strengths == nil {
		a.Strengths = []string{}
	}
	if a.Gaps == nil {
		a.Gaps = []string{}
	}
	return a, nil
}

// stripFences removes a ```json ... ``` wrapper some models add despite the
// schema.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func assessmentSchema() *engine.Schema {
	zero, hundred := 0.0, 100.0
	list := &engine.SchemaProperty{Type: "string"}
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"compatibilityScore": {Type: "integer", Description: "Overall fit from 0 (none) to 100 (perfect)", Minimum: &zero, Maximum: &hundred},
			"summary":            {Type: "string", Description: "Two or three sentence verdict"},
			"strengths":          {Type: "array", Description: "Requirements the candidate clearly meets", Items: list},
			"gaps":               {Type: "array", Description: "Requirements the candidate is missing", Items: list},
			"recommendations":    {Type: "array", Description: "Concrete resume changes for this role", Items: list},
		},
		Required: []string{"compatibilityScore", "summary", "strengths", "gaps"},
	}
}
