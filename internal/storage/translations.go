package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

type translationRow struct {
	TranscriptionID string         `db:"transcription_id"`
	Language        string         `db:"language"`
	Status          string         `db:"status"`
	Content         sql.NullString `db:"content"`
	Provider        sql.NullString `db:"provider"`
	Model           sql.NullString `db:"model"`
	ErrorCode       sql.NullString `db:"error_code"`
	ErrorMessage    sql.NullString `db:"error_message"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
	Version         int            `db:"version"`
}

var translationColumns = []string{
	"transcription_id", "language", "status", "content", "provider", "model",
	"error_code", "error_message", "created_at", "updated_at", "version",
}

func (r translationRow) decode() (Translation, error) {
	tr := Translation{
		TranscriptionID: r.TranscriptionID,
		Language:        r.Language,
		State:           decodeSubState(r.Status, r.Content, r.Provider, r.Model, r.ErrorCode, r.ErrorMessage),
		Version:         r.Version,
	}
	var err error
	if tr.CreatedAt, err = parseTime("created_at", r.CreatedAt); err != nil {
		return Translation{}, err
	}
	if tr.UpdatedAt, err = parseTime("updated_at", r.UpdatedAt); err != nil {
		return Translation{}, err
	}
	return tr, nil
}

// GetTranslation returns the translation of a transcription into lang.
func (s *Store) GetTranslation(ctx context.Context, transcriptionID, lang string) (Translation, error) {
	var row translationRow
	err := s.get(ctx, &row, s.sq.Select(translationColumns...).From("translations").
		Where(sq.Eq{"transcription_id": transcriptionID, "language": lang}))
	if err != nil {
		return Translation{}, err
	}
	return row.decode()
}

// ListTranslations returns all translations of a transcription ordered by language.
func (s *Store) ListTranslations(ctx context.Context, transcriptionID string) ([]Translation, error) {
	var rows []translationRow
	err := s.selectAll(ctx, &rows, s.sq.Select(translationColumns...).From("translations").
		Where(sq.Eq{"transcription_id": transcriptionID}).OrderBy("language"))
	if err != nil {
		return nil, err
	}
	out := make([]Translation, 0, len(rows))
	for _, r := range rows {
		tr, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// TranslationExpect is the precondition of TransitionTranslation. Zero
// fields match anything.
type TranslationExpect struct {
	Status  SubStatus
	Version int
}

// TransitionTranslation is the conditioned transition for a translation.
// Expecting SubAbsent means the row must not exist yet; the mutation then
// creates it. Translations may only leave the absent state while the parent
// transcription is completed.
func (s *Store) TransitionTranslation(ctx context.Context, transcriptionID, lang string, expect TranslationExpect, mutate func(*Translation)) (Translation, error) {
	parent, err := s.GetTranscription(ctx, transcriptionID)
	if err != nil {
		return Translation{}, err
	}

	cur, err := s.GetTranslation(ctx, transcriptionID, lang)
	exists := true
	if errors.Is(err, ErrNotFound) {
		exists = false
		cur = Translation{TranscriptionID: transcriptionID, Language: lang, State: Absent{}}
	} else if err != nil {
		return Translation{}, err
	}

	if (expect.Status != "" && expect.Status != StatusOf(cur.State)) || (expect.Version != 0 && expect.Version != cur.Version) {
		return Translation{}, fmt.Errorf("translation %s/%s is %s@%d: %w", transcriptionID, lang, StatusOf(cur.State), cur.Version, ErrConflict)
	}

	next := cur
	mutate(&next)
	next.TranscriptionID, next.Language = transcriptionID, lang
	if err := checkSubState(cur.State, next.State); err != nil {
		return Translation{}, fmt.Errorf("translation %s/%s: %w", transcriptionID, lang, err)
	}
	if StatusOf(next.State) == SubPending && StatusOf(cur.State) != SubPending && parent.Status != TranscriptionCompleted {
		return Translation{}, fmt.Errorf("translation %s/%s: %w: transcription is %s", transcriptionID, lang, ErrInvalidTransition, parent.Status)
	}

	now := s.now()
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	content, provider, model, code, message := subStateColumns(next.State)

	var n int64
	if !exists {
		if StatusOf(next.State) == SubAbsent {
			return cur, nil
		}
		next.CreatedAt = now
		n, err = s.exec(ctx, s.sq.Insert("translations").
			Columns(translationColumns...).
			Values(transcriptionID, lang, string(StatusOf(next.State)), content, provider, model, code, message,
				formatTime(next.CreatedAt), formatTime(next.UpdatedAt), next.Version).
			Suffix("ON CONFLICT (transcription_id, language) DO NOTHING"))
	} else {
		n, err = s.exec(ctx, s.sq.Update("translations").SetMap(map[string]any{
			"status":        string(StatusOf(next.State)),
			"content":       content,
			"provider":      provider,
			"model":         model,
			"error_code":    code,
			"error_message": message,
			"updated_at":    formatTime(next.UpdatedAt),
			"version":       next.Version,
		}).Where(sq.Eq{"transcription_id": transcriptionID, "language": lang, "version": cur.Version}))
	}
	if err != nil {
		return Translation{}, fmt.Errorf("writing translation %s/%s: %w", transcriptionID, lang, err)
	}
	if n != 1 {
		return Translation{}, fmt.Errorf("translation %s/%s: %w", transcriptionID, lang, ErrConflict)
	}
	return next, nil
}
