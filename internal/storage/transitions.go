package storage

import (
	"bytes"
	"fmt"
)

// validTranscriptionStep enforces the primary transcription state machine.
// processing -> processing is the re-claim of a stale attempt and
// processing -> pending hands back a claim whose attempt was interrupted.
func validTranscriptionStep(from, to TranscriptionStatus) bool {
	switch from {
	case TranscriptionPending:
		return to == TranscriptionPending || to == TranscriptionProcessing
	case TranscriptionProcessing:
		return to == TranscriptionProcessing || to == TranscriptionPending ||
			to == TranscriptionCompleted || to == TranscriptionFailed
	case TranscriptionCompleted, TranscriptionFailed:
		return to == from
	default:
		return false
	}
}

func validAnalysisStep(from, to AnalysisStatus) bool {
	switch from {
	case AnalysisQueued:
		return to == AnalysisQueued || to == AnalysisProcessing
	case AnalysisProcessing:
		return to == AnalysisProcessing || to == AnalysisQueued ||
			to == AnalysisCompleted || to == AnalysisFailed
	case AnalysisCompleted, AnalysisFailed:
		return to == from
	default:
		return false
	}
}

// validSubStep enforces the summary/translation state machine. Completed
// and errored sub-states may be reset to pending for regeneration, and a
// processing claim may be handed back to pending.
func validSubStep(from, to SubStatus) bool {
	switch from {
	case SubAbsent:
		return to == SubAbsent || to == SubPending
	case SubPending:
		return to == SubPending || to == SubProcessing
	case SubProcessing:
		return to == SubProcessing || to == SubPending || to == SubCompleted || to == SubError
	case SubCompleted, SubError:
		return to == from || to == SubPending
	default:
		return false
	}
}

func checkSubState(prev, next SubState) error {
	from, to := StatusOf(prev), StatusOf(next)
	if !validSubStep(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to && (from == SubCompleted || from == SubError) && prev != next {
		return fmt.Errorf("%w: %s payload is immutable", ErrInvalidTransition, from)
	}
	return nil
}

func checkTranscription(prev, next Transcription) error {
	if !validTranscriptionStep(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if prev.Status == next.Status && !sameOutcome(prev.Outcome, next.Outcome) {
		return fmt.Errorf("%w: outcome changed without status change", ErrInvalidTransition)
	}
	switch next.Status {
	case TranscriptionCompleted:
		tr, ok := next.Outcome.(Transcript)
		if !ok || tr.Text == "" {
			return fmt.Errorf("%w: completed transcription needs a transcript", ErrInvalidTransition)
		}
	case TranscriptionFailed:
		if _, ok := next.Outcome.(Failure); !ok {
			return fmt.Errorf("%w: failed transcription needs a failure", ErrInvalidTransition)
		}
	default:
		if next.Outcome != nil {
			return fmt.Errorf("%w: outcome set on %s transcription", ErrInvalidTransition, next.Status)
		}
	}

	if err := checkSubState(prev.Summary, next.Summary); err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	if StatusOf(next.Summary) != SubAbsent && next.Status != TranscriptionCompleted {
		return fmt.Errorf("%w: summary requires a completed transcription", ErrInvalidTransition)
	}
	return nil
}

func checkAnalysis(prev, next JobAnalysis) error {
	if !validAnalysisStep(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if prev.Status == next.Status && !sameOutcome(prev.Outcome, next.Outcome) {
		return fmt.Errorf("%w: outcome changed without status change", ErrInvalidTransition)
	}
	switch next.Status {
	case AnalysisCompleted:
		res, ok := next.Outcome.(AnalysisResult)
		if !ok {
			return fmt.Errorf("%w: completed analysis needs a result", ErrInvalidTransition)
		}
		if res.Score < 0 || res.Score > 100 {
			return fmt.Errorf("%w: compatibility score %d out of range", ErrInvalidTransition, res.Score)
		}
		if data := bytes.TrimSpace(res.Data); len(data) == 0 || string(data) == "null" {
			return fmt.Errorf("%w: completed analysis needs result data", ErrInvalidTransition)
		}
	case AnalysisFailed:
		if _, ok := next.Outcome.(Failure); !ok {
			return fmt.Errorf("%w: failed analysis needs a failure", ErrInvalidTransition)
		}
	default:
		if next.Outcome != nil {
			return fmt.Errorf("%w: outcome set on %s analysis", ErrInvalidTransition, next.Status)
		}
	}
	return nil
}

func inFlight(s SubStatus) bool {
	return s == SubPending || s == SubProcessing
}
