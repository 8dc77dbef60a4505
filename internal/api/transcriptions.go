package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/jobpipe/internal/blob"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/status"
	"github.com/kalambet/jobpipe/internal/storage"
)

// Uploads larger than this are spooled to disk while parsing.
const multipartMemory = 32 << 20

type createdTranscription struct {
	TranscriptionID string `json:"transcriptionId"`
	Status          string `json:"status"`
}

type queuedSummary struct {
	Status        string `json:"status"`
	SummaryStatus string `json:"summaryStatus"`
}

type queuedTranslation struct {
	Status            string `json:"status"`
	Language          string `json:"language"`
	TranslationStatus string `json:"translationStatus"`
}

type translationRequest struct {
	Language string `json:"language"`
}

func (s *app) handleCreateTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxAudioSize+maxRequestBodySize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeFault(w, s.logger, fault.New(fault.Validation, "invalid_body", "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var lang string
	if raw := r.FormValue("language"); raw != "" {
		var err error
		if lang, err = validateLanguage(raw); err != nil {
			writeFault(w, s.logger, err)
			return
		}
	}
	chatID, err := validateChatID(r.FormValue("chatId"))
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}

	f, hdr, err := r.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) {
		writeFault(w, s.logger, fault.New(fault.Validation, "audio_required", "an audio file is required"))
		return
	}
	if err != nil {
		writeFault(w, s.logger, fault.New(fault.Validation, "invalid_body", "reading audio upload: %v", err))
		return
	}
	defer f.Close()
	if hdr.Size > blob.MaxAudioSize {
		writeFault(w, s.logger, fault.New(fault.Validation, "audio_too_large", "audio must be at most %d bytes", blob.MaxAudioSize))
		return
	}

	media, body, err := blob.SniffAudio(f)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}

	ctx := r.Context()
	userID := UserID(ctx)
	id := uuid.NewString()
	key := blob.Key(userID, id, media.Extension)
	if _, err := s.Blobs.Put(ctx, key, body, media.MIME); err != nil {
		writeFault(w, s.logger, fault.Wrap(fault.Transient, "blob_unavailable", err))
		return
	}

	if err := s.Store.CreateTranscription(ctx, storage.Transcription{
		ID:        id,
		UserID:    userID,
		AudioRef:  key,
		AudioMIME: media.MIME,
		Language:  lang,
		ChatID:    chatID,
	}); err != nil {
		writeFault(w, s.logger, err)
		return
	}
	if err := s.Orchestrator.RequestTranscription(ctx, id); err != nil {
		s.logger.Warn("transcription created but not requested", "transcription_id", id, "error", err)
		writeFault(w, s.logger, err)
		return
	}
	s.logger.Info("transcription queued", "transcription_id", id, "mime", media.MIME, "bytes", hdr.Size)
	writeJSON(w, http.StatusAccepted, createdTranscription{TranscriptionID: id, Status: string(storage.TranscriptionPending)})
}

func (s *app) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.ownedTranscription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	translations, err := s.Store.ListTranslations(ctx, t.ID)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status.Transcription(t, translations))
}

func (s *app) handleRegenerateSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.ownedTranscription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	st, err := s.Orchestrator.RegenerateSummary(ctx, t.ID)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedSummary{Status: "queued", SummaryStatus: string(st)})
}

func (s *app) handleRequestTranslation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.ownedTranscription(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req translationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, s.logger, fault.New(fault.Validation, "invalid_body", "invalid request body: %v", err))
		return
	}
	lang, err := validateLanguage(req.Language)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}

	st, err := s.Orchestrator.RequestTranslation(ctx, t.ID, lang)
	if err != nil {
		writeFault(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedTranslation{Status: "queued", Language: lang, TranslationStatus: string(st)})
}

func (s *app) ownedTranscription(ctx context.Context, id string) (storage.Transcription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Transcription{}, storage.ErrNotFound
	}
	t, err := s.Store.GetTranscription(ctx, id)
	if err != nil {
		return storage.Transcription{}, err
	}
	if t.UserID != UserID(ctx) {
		return storage.Transcription{}, storage.ErrNotFound
	}
	return t, nil
}
