package orchestrator

import "github.com/kalambet/jobpipe/internal/events"

// Stage names a unit of asynchronous work.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageSummarize  Stage = "summarize"
	StageTranslate  Stage = "translate"
	StageAnalyzeJob Stage = "analyze_job"
)

// Outcome is how a stage attempt ended.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
)

// TranslationSource selects which text translations are made from.
type TranslationSource string

const (
	FromTranscript TranslationSource = "transcript"
	FromSummary    TranslationSource = "summary"
)

// Step is a follow-on stage request. Language is set for translations.
type Step struct {
	Stage    Stage
	Language string
}

// Graph is the pipeline shape: which stages follow a successful stage.
type Graph struct {
	AutoSummarize     bool
	AutoTranslate     []string
	TranslationSource TranslationSource
}

// Next returns the steps to request after stage ended with outcome.
// Failures never trigger dependents.
func (g Graph) Next(stage Stage, outcome Outcome) []Step {
	if outcome != Succeeded {
		return nil
	}

	var steps []Step
	switch stage {
	case StageTranscribe:
		if g.AutoSummarize {
			steps = append(steps, Step{Stage: StageSummarize})
		}
		if g.Source() == FromTranscript {
			steps = append(steps, g.translations()...)
		}
	case StageSummarize:
		if g.Source() == FromSummary {
			steps = append(steps, g.translations()...)
		}
	}
	return steps
}

// Source returns the configured translation source, defaulting to the transcript.
func (g Graph) Source() TranslationSource {
	if g.TranslationSource == FromSummary {
		return FromSummary
	}
	return FromTranscript
}

func (g Graph) translations() []Step {
	steps := make([]Step, 0, len(g.AutoTranslate))
	for _, lang := range g.AutoTranslate {
		steps = append(steps, Step{Stage: StageTranslate, Language: lang})
	}
	return steps
}

// EventFor maps a stage onto its request event name.
func EventFor(stage Stage) string {
	switch stage {
	case StageTranscribe:
		return events.TranscribeRequested
	case StageSummarize:
		return events.SummarizeRequested
	case StageTranslate:
		return events.TranslateRequested
	case StageAnalyzeJob:
		return events.AnalyzeJobRequested
	}
	return ""
}
