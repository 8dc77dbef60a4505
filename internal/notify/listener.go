package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/jobpipe/internal/composer"
	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/storage"
)

const previewLen = 600

// Store is what the listener reads to build a message.
type Store interface {
	GetTranscription(ctx context.Context, id string) (storage.Transcription, error)
	GetTranslation(ctx context.Context, transcriptionID, lang string) (storage.Translation, error)
	GetAnalysis(ctx context.Context, id string) (storage.JobAnalysis, error)
}

// Listener turns successful stage.completed events into chat messages for
// entities created with a chat id.
type Listener struct {
	store  Store
	sender Sender
	logger *slog.Logger
}

func NewListener(store Store, sender Sender, logger *slog.Logger) *Listener {
	return &Listener{store: store, sender: sender, logger: logger.With("component", "notify")}
}

func (l *Listener) Event() string { return events.StageCompleted }

// Handle never returns an error: a notification that cannot be delivered
// is logged and dropped.
func (l *Listener) Handle(ctx context.Context, ev events.Event) error {
	if ev.Outcome != string(orchestrator.Succeeded) {
		return nil
	}
	chatID, text, err := l.message(ctx, ev)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("building notification", "entity_id", ev.EntityID, "stage", ev.Stage, "error", err)
		}
		return nil
	}
	if chatID == "" || text == "" {
		return nil
	}
	if err := l.sender.Send(ctx, chatID, text); err != nil {
		l.logger.Warn("notification not delivered", "entity_id", ev.EntityID, "stage", ev.Stage, "error", err)
		return nil
	}
	l.logger.Debug("notification sent", "entity_id", ev.EntityID, "stage", ev.Stage)
	return nil
}

func (l *Listener) message(ctx context.Context, ev events.Event) (chatID, text string, err error) {
	switch orchestrator.Stage(ev.Stage) {
	case orchestrator.StageAnalyzeJob:
		a, err := l.store.GetAnalysis(ctx, ev.EntityID)
		if err != nil {
			return "", "", err
		}
		res, ok := a.Outcome.(storage.AnalysisResult)
		if !ok {
			return "", "", nil
		}
		return a.ChatID, analysisMessage(a.ID, res), nil

	case orchestrator.StageTranscribe:
		t, err := l.store.GetTranscription(ctx, ev.EntityID)
		if err != nil {
			return "", "", err
		}
		return t.ChatID, fmt.Sprintf("Transcription %s is ready.\n\n%s", t.ID, preview(t.TranscriptText())), nil

	case orchestrator.StageSummarize:
		t, err := l.store.GetTranscription(ctx, ev.EntityID)
		if err != nil {
			return "", "", err
		}
		c, ok := t.Summary.(storage.Completed)
		if !ok {
			return "", "", nil
		}
		return t.ChatID, fmt.Sprintf("Summary of %s:\n\n%s", t.ID, preview(c.Content)), nil

	case orchestrator.StageTranslate:
		t, err := l.store.GetTranscription(ctx, ev.EntityID)
		if err != nil {
			return "", "", err
		}
		tr, err := l.store.GetTranslation(ctx, ev.EntityID, ev.Language)
		if err != nil {
			return "", "", err
		}
		c, ok := tr.State.(storage.Completed)
		if !ok {
			return "", "", nil
		}
		return t.ChatID, fmt.Sprintf("%s translation of %s:\n\n%s", composer.LanguageName(ev.Language), t.ID, preview(c.Content)), nil

	default:
		return "", "", fmt.Errorf("unknown stage %q", ev.Stage)
	}
}

func analysisMessage(id string, res storage.AnalysisResult) string {
	var data struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal(res.Data, &data)
	msg := fmt.Sprintf("Job analysis %s is ready. Compatibility score: %d/100.", id, res.Score)
	if data.Summary != "" {
		msg += "\n\n" + preview(data.Summary)
	}
	return msg
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "…"
}
