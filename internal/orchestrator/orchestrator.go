// Package orchestrator decides which stage runs next. It owns no state of
// its own: every decision is a conditioned transition on the store followed
// by a published stage-request event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/storage"
)

// Store is the subset of the entity store the orchestrator needs.
type Store interface {
	GetTranscription(ctx context.Context, id string) (storage.Transcription, error)
	GetAnalysis(ctx context.Context, id string) (storage.JobAnalysis, error)
	GetTranslation(ctx context.Context, transcriptionID, lang string) (storage.Translation, error)
	TransitionTranscription(ctx context.Context, id string, expect storage.TranscriptionExpect, mutate func(*storage.Transcription)) (storage.Transcription, error)
	TransitionTranslation(ctx context.Context, transcriptionID, lang string, expect storage.TranslationExpect, mutate func(*storage.Translation)) (storage.Translation, error)
}

// Completion reports a finished stage attempt.
type Completion struct {
	EntityID string
	Stage    Stage
	Language string
	Outcome  Outcome
}

type Orchestrator struct {
	store   Store
	bus     events.Publisher
	graph   Graph
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, bus events.Publisher, graph Graph, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:   store,
		bus:     bus,
		graph:   graph,
		logger:  logger.With("component", "orchestrator"),
		metrics: m,
	}
}

// Graph returns the configured pipeline shape.
func (o *Orchestrator) Graph() Graph { return o.graph }

func (o *Orchestrator) emit(ctx context.Context, ev events.Event) error {
	err := o.bus.Publish(ctx, ev)
	o.metrics.EventPublished(ev.Name, err)
	if err != nil {
		o.logger.Error("publish failed", "event", ev.Name, "entity_id", ev.EntityID, "error", err)
		return fault.Wrap(fault.Transient, "bus_unavailable", err)
	}
	o.logger.Debug("event published", "event", ev.Name, "entity_id", ev.EntityID, "language", ev.Language)
	return nil
}

// RequestJobAnalysis emits the first stage request for a queued analysis.
func (o *Orchestrator) RequestJobAnalysis(ctx context.Context, id string) error {
	a, err := o.store.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	if a.Status != storage.AnalysisQueued {
		return fault.New(fault.Validation, "invalid_state", "analysis %s is %s, not queued", id, a.Status)
	}
	return o.emit(ctx, events.New(events.AnalyzeJobRequested, id))
}

// RequestTranscription emits the first stage request for a pending transcription.
func (o *Orchestrator) RequestTranscription(ctx context.Context, id string) error {
	t, err := o.store.GetTranscription(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != storage.TranscriptionPending {
		return fault.New(fault.Validation, "invalid_state", "transcription %s is %s, not pending", id, t.Status)
	}
	return o.emit(ctx, events.New(events.TranscribeRequested, id))
}

// RegenerateSummary resets the summary to pending and requests a new one.
// It is rejected unless the transcription has completed. A summary that is
// already processing is left alone; one that is still pending has its
// request published again, since the earlier publish may have been lost.
func (o *Orchestrator) RegenerateSummary(ctx context.Context, id string) (storage.SubStatus, error) {
	t, err := o.store.GetTranscription(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != storage.TranscriptionCompleted {
		return "", fault.New(fault.Validation, "not_ready", "transcription %s is %s; summaries need a completed transcription", id, t.Status)
	}
	return o.requestSummary(ctx, t, true)
}

// requestSummary moves the summary to pending and publishes the request.
// With resend, a summary already pending has its request published again.
func (o *Orchestrator) requestSummary(ctx context.Context, t storage.Transcription, resend bool) (storage.SubStatus, error) {
	cur := storage.StatusOf(t.Summary)
	switch cur {
	case storage.SubProcessing:
		return cur, nil
	case storage.SubPending:
		if !resend {
			return cur, nil
		}
		if err := o.emit(ctx, events.New(events.SummarizeRequested, t.ID)); err != nil {
			return "", err
		}
		return cur, nil
	}

	_, err := o.store.TransitionTranscription(ctx, t.ID,
		storage.TranscriptionExpect{Status: storage.TranscriptionCompleted, Summary: cur},
		func(next *storage.Transcription) { next.Summary = storage.Pending{} })
	if errors.Is(err, storage.ErrConflict) {
		// Someone else moved it; report whatever it is now.
		latest, gerr := o.store.GetTranscription(ctx, t.ID)
		if gerr != nil {
			return "", gerr
		}
		return storage.StatusOf(latest.Summary), nil
	}
	if err != nil {
		return "", err
	}

	ev := events.New(events.SummarizeRequested, t.ID)
	if err := o.emit(ctx, ev); err != nil {
		return "", err
	}
	return storage.SubPending, nil
}

// RequestTranslation resets (or creates) the translation into lang and
// requests it. The transcription must be completed, and when translations
// are made from summaries the summary must be completed too. A translation
// still pending has its request published again.
func (o *Orchestrator) RequestTranslation(ctx context.Context, id, lang string) (storage.SubStatus, error) {
	t, err := o.store.GetTranscription(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != storage.TranscriptionCompleted {
		return "", fault.New(fault.Validation, "not_ready", "transcription %s is %s; translations need a completed transcription", id, t.Status)
	}
	if o.graph.Source() == FromSummary && storage.StatusOf(t.Summary) != storage.SubCompleted {
		return "", fault.New(fault.Validation, "summary_required", "translations are made from the summary, which is %s", storage.StatusOf(t.Summary))
	}
	return o.requestTranslation(ctx, id, lang, true)
}

func (o *Orchestrator) requestTranslation(ctx context.Context, id, lang string, resend bool) (storage.SubStatus, error) {
	cur := storage.SubAbsent
	tr, err := o.store.GetTranslation(ctx, id, lang)
	switch {
	case err == nil:
		cur = storage.StatusOf(tr.State)
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}
	switch cur {
	case storage.SubProcessing:
		return cur, nil
	case storage.SubPending:
		if !resend {
			return cur, nil
		}
		if err := o.emit(ctx, translateRequest(id, lang)); err != nil {
			return "", err
		}
		return cur, nil
	}

	_, err = o.store.TransitionTranslation(ctx, id, lang, storage.TranslationExpect{Status: cur}, func(next *storage.Translation) {
		next.State = storage.Pending{}
	})
	if errors.Is(err, storage.ErrConflict) {
		latest, gerr := o.store.GetTranslation(ctx, id, lang)
		if gerr != nil {
			return "", gerr
		}
		return storage.StatusOf(latest.State), nil
	}
	if err != nil {
		return "", err
	}

	if err := o.emit(ctx, translateRequest(id, lang)); err != nil {
		return "", err
	}
	return storage.SubPending, nil
}

func translateRequest(id, lang string) events.Event {
	ev := events.New(events.TranslateRequested, id)
	ev.Language = lang
	return ev
}

// OnStageCompleted announces the finished stage and requests whatever the
// graph says comes next. A follow-on step that is already in flight is
// skipped.
func (o *Orchestrator) OnStageCompleted(ctx context.Context, c Completion) error {
	done := events.New(events.StageCompleted, c.EntityID)
	done.Stage = string(c.Stage)
	done.Language = c.Language
	done.Outcome = string(c.Outcome)
	var errs []error
	if err := o.emit(ctx, done); err != nil {
		errs = append(errs, err)
	}

	steps := o.graph.Next(c.Stage, c.Outcome)
	if len(steps) == 0 {
		return errors.Join(errs...)
	}

	t, err := o.store.GetTranscription(ctx, c.EntityID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, step := range steps {
		var status storage.SubStatus
		var err error
		switch step.Stage {
		case StageSummarize:
			status, err = o.requestSummary(ctx, t, false)
		case StageTranslate:
			status, err = o.requestTranslation(ctx, c.EntityID, step.Language, false)
		default:
			err = fmt.Errorf("no follow-on handling for stage %s", step.Stage)
		}
		if err != nil {
			o.logger.Error("follow-on step failed", "entity_id", c.EntityID, "stage", step.Stage, "language", step.Language, "error", err)
			errs = append(errs, err)
			continue
		}
		o.logger.Info("follow-on step requested", "entity_id", c.EntityID, "stage", step.Stage, "language", step.Language, "status", status)
	}
	return errors.Join(errs...)
}

// Reemit re-publishes the stage request for a stale item. Processing items
// are flagged for recovery so a worker may re-claim them.
func (o *Orchestrator) Reemit(ctx context.Context, item storage.StaleItem) error {
	var ev events.Event
	switch item.Kind {
	case storage.StaleTranscription:
		ev = events.New(events.TranscribeRequested, item.EntityID)
	case storage.StaleSummary:
		ev = events.New(events.SummarizeRequested, item.EntityID)
	case storage.StaleTranslation:
		ev = translateRequest(item.EntityID, item.Language)
	case storage.StaleAnalysis:
		ev = events.New(events.AnalyzeJobRequested, item.EntityID)
	default:
		return fmt.Errorf("unknown stale kind %q", item.Kind)
	}
	ev.Recover = item.Status == string(storage.TranscriptionProcessing)
	return o.emit(ctx, ev)
}
