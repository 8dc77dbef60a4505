package worker

import (
	"context"
	"log/slog"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/storage"
	"github.com/kalambet/jobpipe/internal/translate"
)

const CodeSourceUnavailable = "source_unavailable"

// Translator renders text in another language.
type Translator interface {
	Translate(ctx context.Context, text, language string) (translate.Result, error)
}

// TranslationStore is the part of the entity store the translate worker uses.
type TranslationStore interface {
	GetTranscription(ctx context.Context, id string) (storage.Transcription, error)
	GetTranslation(ctx context.Context, transcriptionID, lang string) (storage.Translation, error)
	TransitionTranslation(ctx context.Context, transcriptionID, lang string, expect storage.TranslationExpect, mutate func(*storage.Translation)) (storage.Translation, error)
}

// TranslateWorker handles translate.requested.
type TranslateWorker struct {
	runner
	store      TranslationStore
	translator Translator
	source     orchestrator.TranslationSource
}

func NewTranslateWorker(store TranslationStore, tr Translator, source orchestrator.TranslationSource, c Completer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *TranslateWorker {
	return &TranslateWorker{
		runner:     newRunner(orchestrator.StageTranslate, cfg, c, logger, m),
		store:      store,
		translator: tr,
		source:     orchestrator.Graph{TranslationSource: source}.Source(),
	}
}

func (w *TranslateWorker) Event() string { return events.TranslateRequested }

func (w *TranslateWorker) Handle(ctx context.Context, ev events.Event) error {
	if ev.Language == "" {
		w.discard(ev, "invalid_event")
		return nil
	}
	tr, err := w.store.GetTranslation(ctx, ev.EntityID, ev.Language)
	if err != nil {
		return w.skip(ev, err)
	}
	cur := storage.StatusOf(tr.State)
	if !w.claimable(ev, string(cur), string(storage.SubPending), tr.UpdatedAt) {
		w.discard(ev, "ineligible")
		return nil
	}

	claimed, err := w.store.TransitionTranslation(ctx, ev.EntityID, ev.Language,
		storage.TranslationExpect{Status: cur, Version: tr.Version},
		func(next *storage.Translation) { next.State = storage.Processing{} })
	if err != nil {
		return w.skip(ev, err)
	}
	w.logger.Info("translation claimed", "entity_id", ev.EntityID, "language", ev.Language, "recover", ev.Recover)

	undo := func(ctx context.Context) error {
		_, err := w.store.TransitionTranslation(ctx, ev.EntityID, ev.Language,
			storage.TranslationExpect{Status: storage.SubProcessing, Version: claimed.Version},
			func(next *storage.Translation) { next.State = storage.Pending{} })
		return err
	}

	var res translate.Result
	perr := w.call(ctx, func(ctx context.Context) error {
		text, err := w.sourceText(ctx, ev.EntityID)
		if err != nil {
			return err
		}
		res, err = w.translator.Translate(ctx, text, ev.Language)
		return err
	})
	if cause := unsettled(ctx, perr); cause != nil {
		return w.release(ctx, ev, cause, undo)
	}

	_, err = w.store.TransitionTranslation(ctx, ev.EntityID, ev.Language,
		storage.TranslationExpect{Status: storage.SubProcessing, Version: claimed.Version},
		func(next *storage.Translation) {
			if perr != nil {
				code, msg := failureOf(perr)
				next.State = storage.Errored{Code: code, Message: msg}
				return
			}
			next.State = storage.Completed{Content: res.Text, Provider: res.Provider, Model: res.Model}
		})
	if err != nil {
		if fault.KindOf(err) == fault.Transient {
			return w.release(ctx, ev, err, undo)
		}
		return w.skip(ev, err)
	}

	if perr != nil {
		w.logger.Warn("translation failed", "entity_id", ev.EntityID, "language", ev.Language, "code", fault.CodeOf(perr), "error", perr)
	} else {
		w.logger.Info("translation completed", "entity_id", ev.EntityID, "language", ev.Language, "provider", res.Provider, "model", res.Model)
	}
	return w.completed(ctx, orchestrator.Completion{EntityID: ev.EntityID, Language: ev.Language, Outcome: outcomeOf(perr)})
}

// sourceText reads the text translations are made from. A missing source is
// a source_unavailable failure.
func (w *TranslateWorker) sourceText(ctx context.Context, id string) (string, error) {
	t, err := w.store.GetTranscription(ctx, id)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return "", fault.Wrap(fault.Provider, CodeSourceUnavailable, err)
		}
		return "", err
	}
	if w.source == orchestrator.FromSummary {
		if c, ok := t.Summary.(storage.Completed); ok && c.Content != "" {
			return c.Content, nil
		}
		return "", fault.New(fault.Provider, CodeSourceUnavailable, "summary is %s", storage.StatusOf(t.Summary))
	}
	if text := t.TranscriptText(); text != "" {
		return text, nil
	}
	return "", fault.New(fault.Provider, CodeSourceUnavailable, "transcription is %s", t.Status)
}
