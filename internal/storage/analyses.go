package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/kalambet/jobpipe/internal/fault"
)

// --- Resumes ---

type resumeRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Content   string `db:"content"`
	Source    string `db:"source"`
	CreatedAt string `db:"created_at"`
}

func (s *Store) CreateResume(ctx context.Context, r Resume) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Source == "" {
		r.Source = ResumeFromText
	}
	_, err := s.exec(ctx, s.sq.Insert("resumes").
		Columns("id", "user_id", "content", "source", "created_at").
		Values(r.ID, r.UserID, r.Text, string(r.Source), formatTime(r.CreatedAt)))
	if err != nil {
		return fmt.Errorf("creating resume: %w", err)
	}
	return nil
}

func (s *Store) GetResume(ctx context.Context, id string) (Resume, error) {
	var row resumeRow
	if err := s.get(ctx, &row, s.sq.Select("id", "user_id", "content", "source", "created_at").
		From("resumes").Where(sq.Eq{"id": id})); err != nil {
		return Resume{}, err
	}
	created, err := parseTime("created_at", row.CreatedAt)
	if err != nil {
		return Resume{}, err
	}
	return Resume{
		ID:        row.ID,
		UserID:    row.UserID,
		Text:      row.Content,
		Source:    ResumeSource(row.Source),
		CreatedAt: created,
	}, nil
}

// --- Job analyses ---

type analysisRow struct {
	ID                 string         `db:"id"`
	UserID             string         `db:"user_id"`
	ResumeID           string         `db:"resume_id"`
	JobSourceType      string         `db:"job_source_type"`
	JobURL             sql.NullString `db:"job_url"`
	JobDescription     sql.NullString `db:"job_description"`
	ChatID             string         `db:"chat_id"`
	Status             string         `db:"status"`
	CompatibilityScore sql.NullInt64  `db:"compatibility_score"`
	ResultData         sql.NullString `db:"result_data"`
	ErrorCode          sql.NullString `db:"error_code"`
	ErrorMessage       sql.NullString `db:"error_message"`
	CreatedAt          string         `db:"created_at"`
	StartedAt          sql.NullString `db:"started_at"`
	CompletedAt        sql.NullString `db:"completed_at"`
	UpdatedAt          string         `db:"updated_at"`
	Version            int            `db:"version"`
}

var analysisColumns = []string{
	"id", "user_id", "resume_id", "job_source_type", "job_url", "job_description", "chat_id",
	"status", "compatibility_score", "result_data", "error_code", "error_message",
	"created_at", "started_at", "completed_at", "updated_at", "version",
}

func (r analysisRow) decode() (JobAnalysis, error) {
	a := JobAnalysis{
		ID:             r.ID,
		UserID:         r.UserID,
		ResumeID:       r.ResumeID,
		JobSourceType:  JobSourceType(r.JobSourceType),
		JobURL:         r.JobURL.String,
		JobDescription: r.JobDescription.String,
		ChatID:         r.ChatID,
		Status:         AnalysisStatus(r.Status),
		Version:        r.Version,
	}
	switch a.Status {
	case AnalysisCompleted:
		res := AnalysisResult{Score: int(r.CompatibilityScore.Int64)}
		if r.ResultData.Valid {
			res.Data = json.RawMessage(r.ResultData.String)
		}
		a.Outcome = res
	case AnalysisFailed:
		a.Outcome = Failure{Code: r.ErrorCode.String, Message: r.ErrorMessage.String}
	}

	var err error
	if a.CreatedAt, err = parseTime("created_at", r.CreatedAt); err != nil {
		return JobAnalysis{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", r.UpdatedAt); err != nil {
		return JobAnalysis{}, err
	}
	if a.StartedAt, err = parseNullTime("started_at", r.StartedAt); err != nil {
		return JobAnalysis{}, err
	}
	if a.CompletedAt, err = parseNullTime("completed_at", r.CompletedAt); err != nil {
		return JobAnalysis{}, err
	}
	return a, nil
}

// CreateAnalysis inserts a new job analysis in queued state. Exactly one of
// JobURL and JobDescription must be set, matching JobSourceType.
func (s *Store) CreateAnalysis(ctx context.Context, a JobAnalysis) error {
	if !a.SourceValid() {
		return fault.New(fault.Validation, "invalid_job_source", "exactly one of job URL and job description must be provided")
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.exec(ctx, s.sq.Insert("job_analyses").
		Columns("id", "user_id", "resume_id", "job_source_type", "job_url", "job_description", "chat_id",
			"status", "created_at", "updated_at", "version").
		Values(a.ID, a.UserID, a.ResumeID, string(a.JobSourceType), nullString(a.JobURL), nullString(a.JobDescription), a.ChatID,
			string(AnalysisQueued), formatTime(a.CreatedAt), formatTime(now), 1))
	if err != nil {
		return fmt.Errorf("creating analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (JobAnalysis, error) {
	var row analysisRow
	if err := s.get(ctx, &row, s.sq.Select(analysisColumns...).From("job_analyses").Where(sq.Eq{"id": id})); err != nil {
		return JobAnalysis{}, err
	}
	return row.decode()
}

// AnalysisExpect is the precondition of TransitionAnalysis. Zero fields
// match anything.
type AnalysisExpect struct {
	Status  AnalysisStatus
	Version int
}

// TransitionAnalysis is the conditioned transition for job analyses.
func (s *Store) TransitionAnalysis(ctx context.Context, id string, expect AnalysisExpect, mutate func(*JobAnalysis)) (JobAnalysis, error) {
	cur, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return JobAnalysis{}, err
	}
	if (expect.Status != "" && cur.Status != expect.Status) || (expect.Version != 0 && cur.Version != expect.Version) {
		return JobAnalysis{}, fmt.Errorf("analysis %s is %s@%d: %w", id, cur.Status, cur.Version, ErrConflict)
	}

	next := cur
	mutate(&next)
	if err := checkAnalysis(cur, next); err != nil {
		return JobAnalysis{}, fmt.Errorf("analysis %s: %w", id, err)
	}
	next.UpdatedAt = s.now()
	next.Version = cur.Version + 1

	var score sql.NullInt64
	var data, code, message sql.NullString
	switch o := next.Outcome.(type) {
	case AnalysisResult:
		score = sql.NullInt64{Int64: int64(o.Score), Valid: true}
		if len(o.Data) > 0 {
			data = sql.NullString{String: string(o.Data), Valid: true}
		}
	case Failure:
		code, message = nullString(o.Code), sql.NullString{String: o.Message, Valid: true}
	}

	n, err := s.exec(ctx, s.sq.Update("job_analyses").SetMap(map[string]any{
		"status":              string(next.Status),
		"compatibility_score": score,
		"result_data":         data,
		"error_code":          code,
		"error_message":       message,
		"started_at":          nullTime(next.StartedAt),
		"completed_at":        nullTime(next.CompletedAt),
		"updated_at":          formatTime(next.UpdatedAt),
		"version":             next.Version,
	}).Where(sq.Eq{"id": id, "version": cur.Version}))
	if err != nil {
		return JobAnalysis{}, fmt.Errorf("updating analysis %s: %w", id, err)
	}
	if n != 1 {
		return JobAnalysis{}, fmt.Errorf("analysis %s version %d: %w", id, cur.Version, ErrConflict)
	}
	return next, nil
}
