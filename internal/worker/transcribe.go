package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/speech"
	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	CodeEmptyTranscript = "empty_transcript"
	CodeAudioMissing    = "audio_missing"
)

// SpeechToText turns audio into text.
type SpeechToText interface {
	Transcribe(ctx context.Context, a speech.Audio) (speech.Result, error)
}

// AudioStore opens uploaded audio by key.
type AudioStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TranscriptionStore is the part of the entity store transcription-based
// workers use.
type TranscriptionStore interface {
	GetTranscription(ctx context.Context, id string) (storage.Transcription, error)
	TransitionTranscription(ctx context.Context, id string, expect storage.TranscriptionExpect, mutate func(*storage.Transcription)) (storage.Transcription, error)
}

// TranscribeWorker handles transcribe.requested.
type TranscribeWorker struct {
	runner
	store  TranscriptionStore
	audio  AudioStore
	speech SpeechToText
}

func NewTranscribeWorker(store TranscriptionStore, audio AudioStore, stt SpeechToText, c Completer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *TranscribeWorker {
	return &TranscribeWorker{
		runner: newRunner(orchestrator.StageTranscribe, cfg, c, logger, m),
		store:  store,
		audio:  audio,
		speech: stt,
	}
}

func (w *TranscribeWorker) Event() string { return events.TranscribeRequested }

func (w *TranscribeWorker) Handle(ctx context.Context, ev events.Event) error {
	t, err := w.store.GetTranscription(ctx, ev.EntityID)
	if err != nil {
		return w.skip(ev, err)
	}
	if !w.claimable(ev, string(t.Status), string(storage.TranscriptionPending), t.UpdatedAt) {
		w.discard(ev, "ineligible")
		return nil
	}

	claimed, err := w.store.TransitionTranscription(ctx, t.ID,
		storage.TranscriptionExpect{Status: t.Status, Version: t.Version},
		func(next *storage.Transcription) {
			next.Status = storage.TranscriptionProcessing
			next.StartedAt = w.now()
		})
	if err != nil {
		return w.skip(ev, err)
	}
	w.logger.Info("transcription claimed", "entity_id", t.ID, "recover", ev.Recover)

	undo := func(ctx context.Context) error {
		_, err := w.store.TransitionTranscription(ctx, t.ID,
			storage.TranscriptionExpect{Status: storage.TranscriptionProcessing, Version: claimed.Version},
			func(next *storage.Transcription) {
				next.Status = storage.TranscriptionPending
				next.StartedAt = time.Time{}
			})
		return err
	}

	var res speech.Result
	perr := w.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = w.transcribe(ctx, claimed)
		return err
	})
	if cause := unsettled(ctx, perr); cause != nil {
		return w.release(ctx, ev, cause, undo)
	}
	if perr == nil && res.Text == "" {
		perr = fault.New(fault.Provider, CodeEmptyTranscript, "speech-to-text returned no text")
	}

	_, err = w.store.TransitionTranscription(ctx, t.ID,
		storage.TranscriptionExpect{Status: storage.TranscriptionProcessing, Version: claimed.Version},
		func(next *storage.Transcription) {
			next.CompletedAt = w.now()
			if perr != nil {
				code, msg := failureOf(perr)
				next.Status = storage.TranscriptionFailed
				next.Outcome = storage.Failure{Code: code, Message: msg}
				return
			}
			next.Status = storage.TranscriptionCompleted
			next.Outcome = storage.Transcript{Text: res.Text}
		})
	if err != nil {
		if fault.KindOf(err) == fault.Transient {
			return w.release(ctx, ev, err, undo)
		}
		return w.skip(ev, err)
	}

	if perr != nil {
		w.logger.Warn("transcription failed", "entity_id", t.ID, "code", fault.CodeOf(perr), "error", perr)
	} else {
		w.logger.Info("transcription completed", "entity_id", t.ID, "provider", res.Provider, "model", res.Model, "chars", len(res.Text))
	}
	return w.completed(ctx, orchestrator.Completion{EntityID: t.ID, Outcome: outcomeOf(perr)})
}

func (w *TranscribeWorker) transcribe(ctx context.Context, t storage.Transcription) (speech.Result, error) {
	rc, err := w.audio.Open(ctx, t.AudioRef)
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return speech.Result{}, fault.Wrap(fault.Provider, CodeAudioMissing, err)
		}
		return speech.Result{}, fault.Wrap(fault.Transient, "blob_unavailable", fmt.Errorf("opening audio %s: %w", t.AudioRef, err))
	}
	defer rc.Close()

	return w.speech.Transcribe(ctx, speech.Audio{
		Body:     rc,
		Filename: path.Base(t.AudioRef),
		MIME:     t.AudioMIME,
		Language: t.Language,
	})
}
