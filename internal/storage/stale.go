package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// StaleKind names which stage a stale item is waiting on.
type StaleKind string

const (
	StaleTranscription StaleKind = "transcription"
	StaleSummary       StaleKind = "summary"
	StaleTranslation   StaleKind = "translation"
	StaleAnalysis      StaleKind = "analysis"
)

// StaleItem is an entity or sub-state that has sat in a non-terminal state
// since before the cutoff.
type StaleItem struct {
	Kind      StaleKind
	EntityID  string
	Language  string
	Status    string
	UpdatedAt time.Time
}

type staleRow struct {
	ID        string `db:"id"`
	Language  string `db:"language"`
	Status    string `db:"status"`
	UpdatedAt string `db:"updated_at"`
}

// ListStale returns up to limit items per kind, oldest first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]StaleItem, error) {
	before := formatTime(cutoff)
	queries := []struct {
		kind StaleKind
		q    sq.SelectBuilder
	}{
		{StaleTranscription, s.sq.Select("id", "'' AS language", "status", "updated_at").
			From("transcriptions").
			Where(sq.Eq{"status": []string{string(TranscriptionPending), string(TranscriptionProcessing)}}).
			Where(sq.Lt{"updated_at": before}).
			OrderBy("updated_at")},
		{StaleSummary, s.sq.Select("id", "'' AS language", "summary_status AS status", "summary_updated_at AS updated_at").
			From("transcriptions").
			Where(sq.Eq{"status": string(TranscriptionCompleted)}).
			Where(sq.Eq{"summary_status": []string{string(SubPending), string(SubProcessing)}}).
			Where(sq.Lt{"summary_updated_at": before}).
			OrderBy("summary_updated_at")},
		{StaleTranslation, s.sq.Select("transcription_id AS id", "language", "status", "updated_at").
			From("translations").
			Where(sq.Eq{"status": []string{string(SubPending), string(SubProcessing)}}).
			Where(sq.Lt{"updated_at": before}).
			OrderBy("updated_at")},
		{StaleAnalysis, s.sq.Select("id", "'' AS language", "status", "updated_at").
			From("job_analyses").
			Where(sq.Eq{"status": []string{string(AnalysisQueued), string(AnalysisProcessing)}}).
			Where(sq.Lt{"updated_at": before}).
			OrderBy("updated_at")},
	}

	var items []StaleItem
	for _, q := range queries {
		b := q.q
		if limit > 0 {
			b = b.Limit(uint64(limit))
		}
		var rows []staleRow
		if err := s.selectAll(ctx, &rows, b); err != nil {
			return nil, fmt.Errorf("listing stale %s: %w", q.kind, err)
		}
		for _, r := range rows {
			updated, err := parseTime("updated_at", r.UpdatedAt)
			if err != nil {
				return nil, err
			}
			items = append(items, StaleItem{
				Kind:      q.kind,
				EntityID:  r.ID,
				Language:  r.Language,
				Status:    r.Status,
				UpdatedAt: updated,
			})
		}
	}
	return items, nil
}
