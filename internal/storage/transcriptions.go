package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

type transcriptionRow struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	AudioRef            string         `db:"audio_ref"`
	AudioMIME           string         `db:"audio_mime"`
	Language            string         `db:"language"`
	ChatID              string         `db:"chat_id"`
	Status              string         `db:"status"`
	TranscriptText      sql.NullString `db:"transcript_text"`
	ErrorCode           sql.NullString `db:"error_code"`
	ErrorMessage        sql.NullString `db:"error_message"`
	SummaryStatus       string         `db:"summary_status"`
	SummaryData         sql.NullString `db:"summary_data"`
	SummaryProvider     sql.NullString `db:"summary_provider"`
	SummaryModel        sql.NullString `db:"summary_model"`
	SummaryErrorCode    sql.NullString `db:"summary_error_code"`
	SummaryErrorMessage sql.NullString `db:"summary_error_message"`
	SummaryUpdatedAt    sql.NullString `db:"summary_updated_at"`
	CreatedAt           string         `db:"created_at"`
	StartedAt           sql.NullString `db:"started_at"`
	CompletedAt         sql.NullString `db:"completed_at"`
	UpdatedAt           string         `db:"updated_at"`
	Version             int            `db:"version"`
}

var transcriptionColumns = []string{
	"id", "user_id", "audio_ref", "audio_mime", "language", "chat_id", "status",
	"transcript_text", "error_code", "error_message",
	"summary_status", "summary_data", "summary_provider", "summary_model",
	"summary_error_code", "summary_error_message", "summary_updated_at",
	"created_at", "started_at", "completed_at", "updated_at", "version",
}

func (r transcriptionRow) decode() (Transcription, error) {
	t := Transcription{
		ID:        r.ID,
		UserID:    r.UserID,
		AudioRef:  r.AudioRef,
		AudioMIME: r.AudioMIME,
		Language:  r.Language,
		ChatID:    r.ChatID,
		Status:    TranscriptionStatus(r.Status),
		Version:   r.Version,
	}
	switch t.Status {
	case TranscriptionCompleted:
		t.Outcome = Transcript{Text: r.TranscriptText.String}
	case TranscriptionFailed:
		t.Outcome = Failure{Code: r.ErrorCode.String, Message: r.ErrorMessage.String}
	}
	t.Summary = decodeSubState(r.SummaryStatus, r.SummaryData, r.SummaryProvider, r.SummaryModel,
		r.SummaryErrorCode, r.SummaryErrorMessage)

	var err error
	if t.CreatedAt, err = parseTime("created_at", r.CreatedAt); err != nil {
		return Transcription{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", r.UpdatedAt); err != nil {
		return Transcription{}, err
	}
	if t.StartedAt, err = parseNullTime("started_at", r.StartedAt); err != nil {
		return Transcription{}, err
	}
	if t.CompletedAt, err = parseNullTime("completed_at", r.CompletedAt); err != nil {
		return Transcription{}, err
	}
	if t.SummaryUpdatedAt, err = parseNullTime("summary_updated_at", r.SummaryUpdatedAt); err != nil {
		return Transcription{}, err
	}
	return t, nil
}

func decodeSubState(status string, data, provider, model, code, message sql.NullString) SubState {
	switch SubStatus(status) {
	case SubPending:
		return Pending{}
	case SubProcessing:
		return Processing{}
	case SubCompleted:
		return Completed{Content: data.String, Provider: provider.String, Model: model.String}
	case SubError:
		return Errored{Code: code.String, Message: message.String}
	default:
		return Absent{}
	}
}

// subStateColumns flattens a sub-state into its nullable payload columns.
func subStateColumns(s SubState) (data, provider, model, code, message sql.NullString) {
	switch v := s.(type) {
	case Completed:
		return nullString(v.Content), nullString(v.Provider), nullString(v.Model), sql.NullString{}, sql.NullString{}
	case Errored:
		return sql.NullString{}, sql.NullString{}, sql.NullString{}, nullString(v.Code), nullString(v.Message)
	}
	return
}

func outcomeColumns(o Outcome) (text, code, message sql.NullString) {
	switch v := o.(type) {
	case Transcript:
		text = nullString(v.Text)
	case Failure:
		code, message = nullString(v.Code), nullString(v.Message)
	}
	return
}

// CreateTranscription inserts a new transcription in pending state.
func (s *Store) CreateTranscription(ctx context.Context, t Transcription) error {
	if t.ID == "" || t.UserID == "" || t.AudioRef == "" {
		return fmt.Errorf("creating transcription: id, user and audio are required")
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.exec(ctx, s.sq.Insert("transcriptions").
		Columns("id", "user_id", "audio_ref", "audio_mime", "language", "chat_id",
			"status", "summary_status", "created_at", "updated_at", "version").
		Values(t.ID, t.UserID, t.AudioRef, t.AudioMIME, t.Language, t.ChatID,
			string(TranscriptionPending), string(SubAbsent), formatTime(t.CreatedAt), formatTime(now), 1))
	if err != nil {
		return fmt.Errorf("creating transcription: %w", err)
	}
	return nil
}

// GetTranscription returns the transcription with the given id.
func (s *Store) GetTranscription(ctx context.Context, id string) (Transcription, error) {
	var row transcriptionRow
	if err := s.get(ctx, &row, s.sq.Select(transcriptionColumns...).From("transcriptions").Where(sq.Eq{"id": id})); err != nil {
		return Transcription{}, err
	}
	return row.decode()
}

// TranscriptionExpect is the precondition of TransitionTranscription. Zero
// fields match anything.
type TranscriptionExpect struct {
	Status  TranscriptionStatus
	Summary SubStatus
	Version int
}

func (e TranscriptionExpect) matches(t Transcription) bool {
	if e.Status != "" && e.Status != t.Status {
		return false
	}
	if e.Summary != "" && e.Summary != StatusOf(t.Summary) {
		return false
	}
	if e.Version != 0 && e.Version != t.Version {
		return false
	}
	return true
}

// TransitionTranscription applies mutate to the transcription if its current
// state matches expect, the result is a legal transition, and no other
// writer has moved the row in between. It returns the stored result, or
// ErrConflict / ErrInvalidTransition without writing anything.
func (s *Store) TransitionTranscription(ctx context.Context, id string, expect TranscriptionExpect, mutate func(*Transcription)) (Transcription, error) {
	cur, err := s.GetTranscription(ctx, id)
	if err != nil {
		return Transcription{}, err
	}
	if !expect.matches(cur) {
		return Transcription{}, fmt.Errorf("transcription %s is %s/%s: %w", id, cur.Status, StatusOf(cur.Summary), ErrConflict)
	}

	next := cur
	mutate(&next)
	if err := checkTranscription(cur, next); err != nil {
		return Transcription{}, fmt.Errorf("transcription %s: %w", id, err)
	}

	now := s.now()
	if next.Summary != cur.Summary || inFlight(StatusOf(next.Summary)) {
		next.SummaryUpdatedAt = now
	}
	next.UpdatedAt = now
	next.Version = cur.Version + 1

	text, code, message := outcomeColumns(next.Outcome)
	sData, sProvider, sModel, sCode, sMessage := subStateColumns(next.Summary)
	n, err := s.exec(ctx, s.sq.Update("transcriptions").SetMap(map[string]any{
		"status":                string(next.Status),
		"transcript_text":       text,
		"error_code":            code,
		"error_message":         message,
		"summary_status":        string(StatusOf(next.Summary)),
		"summary_data":          sData,
		"summary_provider":      sProvider,
		"summary_model":         sModel,
		"summary_error_code":    sCode,
		"summary_error_message": sMessage,
		"summary_updated_at":    nullTime(next.SummaryUpdatedAt),
		"started_at":            nullTime(next.StartedAt),
		"completed_at":          nullTime(next.CompletedAt),
		"updated_at":            formatTime(next.UpdatedAt),
		"version":               next.Version,
	}).Where(sq.Eq{"id": id, "version": cur.Version}))
	if err != nil {
		return Transcription{}, fmt.Errorf("updating transcription %s: %w", id, err)
	}
	if n != 1 {
		return Transcription{}, fmt.Errorf("transcription %s version %d: %w", id, cur.Version, ErrConflict)
	}
	return next, nil
}
