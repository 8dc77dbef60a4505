package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/jobpipe/internal/blob"
	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

var testResume = strings.Repeat("Senior Go engineer with ten years of distributed systems work. ", 4)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (b *recordingBus) Publish(_ context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		out = append(out, ev.Name)
	}
	return out
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	bus     *recordingBus
	blobs   *blob.FSStore
	orch    *orchestrator.Orchestrator
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	bus := &recordingBus{}
	orch := orchestrator.New(store, bus, orchestrator.Graph{}, testLogger(), nil)

	handler := NewHandler(Deps{
		Store:        store,
		Orchestrator: orch,
		Blobs:        blobs,
		Auth:         TokenMap{aliceToken: "alice", bobToken: "bob"},
		Logger:       testLogger(),
		Metrics:      metrics.New("jobpipe_test"),
	})
	return &testEnv{handler: handler, store: store, bus: bus, blobs: blobs, orch: orch}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func jsonReq(method, url, token string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func TestAuthRequired(t *testing.T) {
	env := setup(t)

	for _, token := range []string{"", "wrong"} {
		rec := env.do(t, jsonReq(http.MethodGet, "/analyses/x", token, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
		if got := decode[errorBody](t, rec).Error.Type; got != "authentication_error" {
			t.Fatalf("expected authentication_error, got %q", got)
		}
	}
}

func TestTokenMap(t *testing.T) {
	m := TokenMap{"a": "alice"}
	if u, ok := m.Authenticate("a"); !ok || u != "alice" {
		t.Fatalf("Authenticate(a) = %q, %v", u, ok)
	}
	if _, ok := m.Authenticate(""); ok {
		t.Fatal("empty token accepted")
	}
	if _, ok := m.Authenticate("b"); ok {
		t.Fatal("unknown token accepted")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := setup(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jobpipe_test_http_requests_total") {
		t.Fatalf("metrics body missing request counter:\n%s", rec.Body.String())
	}
}

func TestCreateAnalysisFromLinkedInURL(t *testing.T) {
	env := setup(t)

	rec := env.do(t, jsonReq(http.MethodPost, "/analyses", aliceToken, AnalysisRequest{
		ResumeText: testResume,
		JobURL:     "https://www.linkedin.com/jobs/view/3921",
	}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[createdAnalysis](t, rec)
	if created.Status != "queued" || created.AnalysisID == "" {
		t.Fatalf("unexpected response: %+v", created)
	}

	a, err := env.store.GetAnalysis(context.Background(), created.AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if a.UserID != "alice" || a.JobSourceType != storage.JobSourceURL || a.JobDescription != "" {
		t.Fatalf("unexpected analysis: %+v", a)
	}
	if got := env.bus.names(); len(got) != 1 || got[0] != events.AnalyzeJobRequested {
		t.Fatalf("expected one analyze_job.requested, got %v", got)
	}

	rec = env.do(t, jsonReq(http.MethodGet, "/analyses/"+created.AnalysisID, aliceToken, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	view := decode[map[string]any](t, rec)
	if view["status"] != "queued" || view["compatibilityScore"] != nil || view["error"] != nil {
		t.Fatalf("unexpected projection: %v", view)
	}
	if _, ok := view["resumeId"]; ok {
		t.Fatal("projection leaks resumeId")
	}
}

func TestCreateAnalysisValidation(t *testing.T) {
	env := setup(t)
	description := strings.Repeat("We are hiring a backend engineer. ", 3)

	tests := []struct {
		name string
		req  AnalysisRequest
		code string
	}{
		{"both sources", AnalysisRequest{ResumeText: testResume, JobURL: "https://linkedin.com/jobs/view/1", JobDescription: description}, "invalid_job_source"},
		{"no source", AnalysisRequest{ResumeText: testResume}, "invalid_job_source"},
		{"not linkedin", AnalysisRequest{ResumeText: testResume, JobURL: "https://example.com/jobs/1"}, "unsupported_job_url"},
		{"bad scheme", AnalysisRequest{ResumeText: testResume, JobURL: "ftp://linkedin.com/jobs/view/1"}, "invalid_job_url"},
		{"short description", AnalysisRequest{ResumeText: testResume, JobDescription: "too short"}, "invalid_job_description"},
		{"short resume", AnalysisRequest{ResumeText: "Go dev", JobDescription: description}, "invalid_resume"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, jsonReq(http.MethodPost, "/analyses", aliceToken, tt.req))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec).Error.Code; got != tt.code {
				t.Fatalf("expected code %q, got %q", tt.code, got)
			}
		})
	}
	if got := env.bus.names(); len(got) != 0 {
		t.Fatalf("rejected requests published events: %v", got)
	}
}

func TestCreateAnalysisMultipartText(t *testing.T) {
	env := setup(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("resumeText", testResume)
	mw.WriteField("jobDescription", strings.Repeat("Build reliable data pipelines in Go. ", 3))
	mw.WriteField("chatId", "12345")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec := env.do(t, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	a, err := env.store.GetAnalysis(context.Background(), decode[createdAnalysis](t, rec).AnalysisID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if a.JobSourceType != storage.JobSourceText || a.ChatID != "12345" {
		t.Fatalf("unexpected analysis: %+v", a)
	}
}

func TestCreateAnalysisRejectsUnreadablePDF(t *testing.T) {
	env := setup(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("jobUrl", "https://www.linkedin.com/jobs/view/7")
	fw, _ := mw.CreateFormFile("resume", "cv.pdf")
	fw.Write([]byte("definitely not a pdf"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorBody](t, rec).Error.Code; got != "unreadable_pdf" {
		t.Fatalf("expected unreadable_pdf, got %q", got)
	}
}

func TestGetAnalysisOwnership(t *testing.T) {
	env := setup(t)

	rec := env.do(t, jsonReq(http.MethodPost, "/analyses", aliceToken, AnalysisRequest{
		ResumeText:     testResume,
		JobDescription: strings.Repeat("Operate Kubernetes clusters at scale. ", 3),
	}))
	id := decode[createdAnalysis](t, rec).AnalysisID

	rec = env.do(t, jsonReq(http.MethodGet, "/analyses/"+id, bobToken, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign read: expected 404, got %d", rec.Code)
	}
	rec = env.do(t, jsonReq(http.MethodGet, "/analyses/nope", aliceToken, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: expected 404, got %d", rec.Code)
	}
}
