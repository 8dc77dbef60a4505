package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/resume"
	"github.com/kalambet/jobpipe/internal/status"
	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxResumeFormSize  = resume.MaxPDFSize + maxRequestBodySize
)

type createdAnalysis struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

func (s *app) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	req, source, err := s.decodeAnalysisRequest(w, r)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	id, err := s.createAnalysis(r.Context(), UserID(r.Context()), req, source)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createdAnalysis{AnalysisID: id, Status: string(storage.AnalysisQueued)})
}

// decodeAnalysisRequest reads a JSON body, or a multipart form whose
// "resume" file is a PDF.
func (s *app) decodeAnalysisRequest(w http.ResponseWriter, r *http.Request) (AnalysisRequest, storage.ResumeSource, error) {
	var req AnalysisRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, "", fault.New(fault.Validation, "invalid_body", "invalid request body: %v", err)
		}
		return req, storage.ResumeFromText, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxResumeFormSize)
	if err := r.ParseMultipartForm(maxResumeFormSize); err != nil {
		return req, "", fault.New(fault.Validation, "invalid_body", "invalid multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	req.JobURL = r.FormValue("jobUrl")
	req.JobDescription = r.FormValue("jobDescription")
	req.ChatID = r.FormValue("chatId")

	f, _, err := r.FormFile("resume")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		req.ResumeText = r.FormValue("resumeText")
		return req, storage.ResumeFromText, nil
	case err != nil:
		return req, "", fault.New(fault.Validation, "invalid_body", "reading resume upload: %v", err)
	}
	defer f.Close()

	text, err := resume.FromPDF(f)
	if err != nil {
		return req, "", err
	}
	req.ResumeText = text
	return req, storage.ResumeFromPDF, nil
}

// createAnalysis validates req, persists the resume and the queued
// analysis, and requests the first stage. When the request cannot be
// published the error is returned; the analysis stays queued and the
// reconciler re-sends it.
func (s *app) createAnalysis(ctx context.Context, userID string, req AnalysisRequest, source storage.ResumeSource) (string, error) {
	in, err := req.validate()
	if err != nil {
		return "", err
	}

	resumeID := uuid.NewString()
	if err := s.Store.CreateResume(ctx, storage.Resume{
		ID:     resumeID,
		UserID: userID,
		Text:   in.resume,
		Source: source,
	}); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := s.Store.CreateAnalysis(ctx, storage.JobAnalysis{
		ID:             id,
		UserID:         userID,
		ResumeID:       resumeID,
		JobSourceType:  in.source,
		JobURL:         in.url,
		JobDescription: in.description,
		ChatID:         in.chatID,
	}); err != nil {
		return "", err
	}

	if err := s.Orchestrator.RequestJobAnalysis(ctx, id); err != nil {
		s.logger.Warn("analysis created but not requested", "analysis_id", id, "error", err)
		return "", err
	}
	s.logger.Info("analysis queued", "analysis_id", id, "source", in.source)
	return id, nil
}

func (s *app) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status.Analysis(a))
}

func (s *app) ownedAnalysis(ctx context.Context, id string) (storage.JobAnalysis, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.JobAnalysis{}, storage.ErrNotFound
	}
	a, err := s.Store.GetAnalysis(ctx, id)
	if err != nil {
		return storage.JobAnalysis{}, err
	}
	if a.UserID != UserID(ctx) {
		return storage.JobAnalysis{}, storage.ErrNotFound
	}
	return a, nil
}
