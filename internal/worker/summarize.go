package worker

import (
	"context"
	"log/slog"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/storage"
	"github.com/kalambet/jobpipe/internal/summarize"
)

// SummaryWriter condenses a transcript.
type SummaryWriter interface {
	Summarize(ctx context.Context, transcript string) (summarize.Result, error)
}

// SummarizeWorker handles summarize.requested.
type SummarizeWorker struct {
	runner
	store      TranscriptionStore
	summarizer SummaryWriter
}

func NewSummarizeWorker(store TranscriptionStore, s SummaryWriter, c Completer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *SummarizeWorker {
	return &SummarizeWorker{
		runner:     newRunner(orchestrator.StageSummarize, cfg, c, logger, m),
		store:      store,
		summarizer: s,
	}
}

func (w *SummarizeWorker) Event() string { return events.SummarizeRequested }

func (w *SummarizeWorker) Handle(ctx context.Context, ev events.Event) error {
	t, err := w.store.GetTranscription(ctx, ev.EntityID)
	if err != nil {
		return w.skip(ev, err)
	}
	cur := storage.StatusOf(t.Summary)
	if t.Status != storage.TranscriptionCompleted || t.TranscriptText() == "" ||
		!w.claimable(ev, string(cur), string(storage.SubPending), t.SummaryUpdatedAt) {
		w.discard(ev, "ineligible")
		return nil
	}

	claimed, err := w.store.TransitionTranscription(ctx, t.ID,
		storage.TranscriptionExpect{Status: storage.TranscriptionCompleted, Summary: cur, Version: t.Version},
		func(next *storage.Transcription) { next.Summary = storage.Processing{} })
	if err != nil {
		return w.skip(ev, err)
	}
	w.logger.Info("summary claimed", "entity_id", t.ID, "recover", ev.Recover)

	undo := func(ctx context.Context) error {
		_, err := w.store.TransitionTranscription(ctx, t.ID,
			storage.TranscriptionExpect{Status: storage.TranscriptionCompleted, Summary: storage.SubProcessing, Version: claimed.Version},
			func(next *storage.Transcription) { next.Summary = storage.Pending{} })
		return err
	}

	var res summarize.Result
	perr := w.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = w.summarizer.Summarize(ctx, claimed.TranscriptText())
		return err
	})
	if cause := unsettled(ctx, perr); cause != nil {
		return w.release(ctx, ev, cause, undo)
	}

	_, err = w.store.TransitionTranscription(ctx, t.ID,
		storage.TranscriptionExpect{Status: storage.TranscriptionCompleted, Summary: storage.SubProcessing, Version: claimed.Version},
		func(next *storage.Transcription) {
			if perr != nil {
				code, msg := failureOf(perr)
				next.Summary = storage.Errored{Code: code, Message: msg}
				return
			}
			next.Summary = storage.Completed{Content: res.Text, Provider: res.Provider, Model: res.Model}
		})
	if err != nil {
		if fault.KindOf(err) == fault.Transient {
			return w.release(ctx, ev, err, undo)
		}
		return w.skip(ev, err)
	}

	if perr != nil {
		w.logger.Warn("summary failed", "entity_id", t.ID, "code", fault.CodeOf(perr), "error", perr)
	} else {
		w.logger.Info("summary completed", "entity_id", t.ID, "provider", res.Provider, "model", res.Model)
	}
	return w.completed(ctx, orchestrator.Completion{EntityID: t.ID, Outcome: outcomeOf(perr)})
}
