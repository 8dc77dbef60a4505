package storage

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/kalambet/jobpipe/internal/fault"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = fault.New(fault.NotFound, "not_found", "not found")
	// ErrConflict is returned when a conditioned transition finds the
	// record in a different state or version than expected.
	ErrConflict = fault.New(fault.Conflict, "conflict", "state changed concurrently")
	// ErrInvalidTransition is returned when a mutation would move a record
	// along an edge the state machine does not have.
	ErrInvalidTransition = fault.New(fault.Conflict, "invalid_transition", "illegal state transition")
)

type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

type AnalysisStatus string

const (
	AnalysisQueued     AnalysisStatus = "queued"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// SubStatus is the status of a lazily created secondary result
// (summary, translation) hanging off a transcription.
type SubStatus string

const (
	SubAbsent     SubStatus = "absent"
	SubPending    SubStatus = "pending"
	SubProcessing SubStatus = "processing"
	SubCompleted  SubStatus = "completed"
	SubError      SubStatus = "error"
)

// SubState is one of Absent, Pending, Processing, Completed or Errored.
type SubState interface {
	Status() SubStatus
	isSubState()
}

type Absent struct{}
type Pending struct{}
type Processing struct{}

// Completed holds the produced text and which provider/model made it.
type Completed struct {
	Content  string
	Provider string
	Model    string
}

type Errored struct {
	Code    string
	Message string
}

func (Absent) Status() SubStatus     { return SubAbsent }
func (Pending) Status() SubStatus    { return SubPending }
func (Processing) Status() SubStatus { return SubProcessing }
func (Completed) Status() SubStatus  { return SubCompleted }
func (Errored) Status() SubStatus    { return SubError }

func (Absent) isSubState()     {}
func (Pending) isSubState()    {}
func (Processing) isSubState() {}
func (Completed) isSubState()  {}
func (Errored) isSubState()    {}

// StatusOf treats a nil sub-state as absent.
func StatusOf(s SubState) SubStatus {
	if s == nil {
		return SubAbsent
	}
	return s.Status()
}

// Outcome is the terminal payload of a primary stage: Transcript or
// AnalysisResult on success, Failure otherwise. Nil while in flight.
type Outcome interface {
	isOutcome()
}

type Transcript struct {
	Text string
}

type AnalysisResult struct {
	Score int // 0..100
	Data  json.RawMessage
}

// Failure is a provider or validation failure recorded as entity data.
type Failure struct {
	Code    string
	Message string
}

func (Transcript) isOutcome()     {}
func (AnalysisResult) isOutcome() {}
func (Failure) isOutcome()        {}

type Transcription struct {
	ID        string
	UserID    string
	AudioRef  string
	AudioMIME string
	Language  string
	ChatID    string

	Status  TranscriptionStatus
	Outcome Outcome

	Summary          SubState
	SummaryUpdatedAt time.Time

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
	Version     int
}

// TranscriptText returns the transcript, or "" unless completed.
func (t Transcription) TranscriptText() string {
	if tr, ok := t.Outcome.(Transcript); ok {
		return tr.Text
	}
	return ""
}

// Translation is the per-language sub-state of a transcription.
type Translation struct {
	TranscriptionID string
	Language        string
	State           SubState
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int
}

type ResumeSource string

const (
	ResumeFromText ResumeSource = "text"
	ResumeFromPDF  ResumeSource = "pdf"
)

type Resume struct {
	ID        string
	UserID    string
	Text      string
	Source    ResumeSource
	CreatedAt time.Time
}

type JobSourceType string

const (
	JobSourceURL  JobSourceType = "url"
	JobSourceText JobSourceType = "text"
)

type JobAnalysis struct {
	ID             string
	UserID         string
	ResumeID       string
	JobSourceType  JobSourceType
	JobURL         string
	JobDescription string
	ChatID         string

	Status  AnalysisStatus
	Outcome Outcome

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
	Version     int
}

// SourceValid reports whether exactly the field matching JobSourceType is set.
func (a JobAnalysis) SourceValid() bool {
	switch a.JobSourceType {
	case JobSourceURL:
		return a.JobURL != "" && a.JobDescription == ""
	case JobSourceText:
		return a.JobDescription != "" && a.JobURL == ""
	default:
		return false
	}
}

func sameOutcome(a, b Outcome) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Transcript:
		y, ok := b.(Transcript)
		return ok && x == y
	case Failure:
		y, ok := b.(Failure)
		return ok && x == y
	case AnalysisResult:
		y, ok := b.(AnalysisResult)
		return ok && x.Score == y.Score && bytes.Equal(x.Data, y.Data)
	default:
		return false
	}
}
