// Package status projects stored entities onto the shapes clients poll.
// Projections are pure: internal fields are dropped and result or error
// fields are null unless the current status gives them meaning.
package status

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/kalambet/jobpipe/internal/storage"
)

type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TranscriptionView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Language       *string    `json:"language"`
	TranscriptText *string    `json:"transcriptText"`
	Error          *ErrorView `json:"error"`

	SummaryStatus    string     `json:"summaryStatus"`
	SummaryData      *string    `json:"summaryData"`
	SummaryProvider  *string    `json:"summaryProvider"`
	SummaryModel     *string    `json:"summaryModel"`
	SummaryError     *ErrorView `json:"summaryError"`
	SummaryUpdatedAt *time.Time `json:"summaryUpdatedAt"`

	Translations map[string]TranslationView `json:"translations"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type TranslationView struct {
	Status    string     `json:"status"`
	Data      *string    `json:"data"`
	Provider  *string    `json:"provider"`
	Model     *string    `json:"model"`
	Error     *ErrorView `json:"error"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type AnalysisView struct {
	ID                 string          `json:"id"`
	Status             string          `json:"status"`
	JobSourceType      string          `json:"jobSourceType"`
	JobURL             *string         `json:"jobUrl"`
	CompatibilityScore *int            `json:"compatibilityScore"`
	ResultData         json.RawMessage `json:"resultData"`
	Error              *ErrorView      `json:"error"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Transcription projects t and its translations.
func Transcription(t storage.Transcription, translations []storage.Translation) TranscriptionView {
	v := TranscriptionView{
		ID:           t.ID,
		Status:       string(t.Status),
		Language:     optString(t.Language),
		Translations: make(map[string]TranslationView, len(translations)),
		CreatedAt:    t.CreatedAt,
		StartedAt:    optTime(t.StartedAt),
		CompletedAt:  optTime(t.CompletedAt),
		UpdatedAt:    t.UpdatedAt,
	}
	if v.Status == "" {
		v.Status = string(storage.TranscriptionPending)
	}

	switch o := t.Outcome.(type) {
	case storage.Transcript:
		if t.Status == storage.TranscriptionCompleted {
			v.TranscriptText = &o.Text
		}
	case storage.Failure:
		if t.Status == storage.TranscriptionFailed {
			v.Error = &ErrorView{Code: o.Code, Message: o.Message}
		}
	}

	sub := subState(t.Summary)
	v.SummaryStatus = sub.Status
	v.SummaryData, v.SummaryProvider, v.SummaryModel, v.SummaryError = sub.Data, sub.Provider, sub.Model, sub.Error
	if sub.Status != string(storage.SubAbsent) {
		v.SummaryUpdatedAt = optTime(t.SummaryUpdatedAt)
	}

	for _, tr := range translations {
		if tr.TranscriptionID != "" && tr.TranscriptionID != t.ID {
			continue
		}
		view := subState(tr.State)
		view.UpdatedAt = tr.UpdatedAt
		v.Translations[tr.Language] = view
	}
	return v
}

func subState(s storage.SubState) TranslationView {
	v := TranslationView{Status: string(storage.StatusOf(s))}
	switch x := s.(type) {
	case storage.Completed:
		v.Data, v.Provider, v.Model = &x.Content, optString(x.Provider), optString(x.Model)
	case storage.Errored:
		v.Error = &ErrorView{Code: x.Code, Message: x.Message}
	}
	return v
}

// Analysis projects a.
func Analysis(a storage.JobAnalysis) AnalysisView {
	v := AnalysisView{
		ID:            a.ID,
		Status:        string(a.Status),
		JobSourceType: string(a.JobSourceType),
		CreatedAt:     a.CreatedAt,
		StartedAt:     optTime(a.StartedAt),
		CompletedAt:   optTime(a.CompletedAt),
		UpdatedAt:     a.UpdatedAt,
	}
	if v.Status == "" {
		v.Status = string(storage.AnalysisQueued)
	}
	if a.JobSourceType == storage.JobSourceURL {
		v.JobURL = optString(a.JobURL)
	}

	switch o := a.Outcome.(type) {
	case storage.AnalysisResult:
		if a.Status == storage.AnalysisCompleted {
			score := o.Score
			v.CompatibilityScore = &score
			v.ResultData = o.Data
			if len(v.ResultData) == 0 {
				v.ResultData = json.RawMessage(`{}`)
			}
		}
	case storage.Failure:
		if a.Status == storage.AnalysisFailed {
			v.Error = &ErrorView{Code: o.Code, Message: o.Message}
		}
	}
	return v
}

// Languages returns the translation languages of v in sorted order.
func (v TranscriptionView) Languages() []string {
	out := make([]string, 0, len(v.Translations))
	for lang := range v.Translations {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
