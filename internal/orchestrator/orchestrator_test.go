package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/storage"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (b *recordingBus) Publish(ctx context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, ev)
	return nil
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, g Graph) (*Orchestrator, *storage.Store, *recordingBus) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := &recordingBus{}
	return New(s, bus, g, testLogger(), nil), s, bus
}

func createTranscription(t *testing.T, s *storage.Store, id string, complete bool) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTranscription(ctx, storage.Transcription{ID: id, UserID: "u1", AudioRef: "a"}); err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	if !complete {
		return
	}
	s.TransitionTranscription(ctx, id, storage.TranscriptionExpect{Status: storage.TranscriptionPending}, func(tr *storage.Transcription) {
		tr.Status = storage.TranscriptionProcessing
	})
	if _, err := s.TransitionTranscription(ctx, id, storage.TranscriptionExpect{Status: storage.TranscriptionProcessing}, func(tr *storage.Transcription) {
		tr.Status = storage.TranscriptionCompleted
		tr.Outcome = storage.Transcript{Text: "the transcript"}
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func createAnalysis(t *testing.T, s *storage.Store, id string) {
	t.Helper()
	ctx := context.Background()
	s.CreateResume(ctx, storage.Resume{ID: "r-" + id, UserID: "u1", Text: "resume"})
	if err := s.CreateAnalysis(ctx, storage.JobAnalysis{
		ID: id, UserID: "u1", ResumeID: "r-" + id,
		JobSourceType: storage.JobSourceURL, JobURL: "https://www.linkedin.com/jobs/view/1",
	}); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
}

func TestRequestJobAnalysis(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createAnalysis(t, s, "a1")

	if err := o.RequestJobAnalysis(ctx, "a1"); err != nil {
		t.Fatalf("RequestJobAnalysis: %v", err)
	}
	if got := bus.names(); len(got) != 1 || got[0] != events.AnalyzeJobRequested {
		t.Errorf("events: got %v", got)
	}

	if err := o.RequestJobAnalysis(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}

	s.TransitionAnalysis(ctx, "a1", storage.AnalysisExpect{Status: storage.AnalysisQueued}, func(a *storage.JobAnalysis) { a.Status = storage.AnalysisProcessing })
	if err := o.RequestJobAnalysis(ctx, "a1"); fault.KindOf(err) != fault.Validation {
		t.Errorf("processing: got %v, want validation error", err)
	}
}

func TestRequestJobAnalysisBusDown(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	createAnalysis(t, s, "a1")
	bus.err = errors.New("connection reset")

	err := o.RequestJobAnalysis(context.Background(), "a1")
	if fault.KindOf(err) != fault.Transient {
		t.Fatalf("got %v, want transient", err)
	}
}

func TestRegenerateSummaryRejectedUntilCompleted(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createTranscription(t, s, "t1", false)

	_, err := o.RegenerateSummary(ctx, "t1")
	if fault.CodeOf(err) != "not_ready" {
		t.Fatalf("got %v, want not_ready", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if storage.StatusOf(got.Summary) != storage.SubAbsent || got.Version != 1 {
		t.Errorf("rejected regenerate mutated the entity: %+v", got)
	}
	if len(bus.names()) != 0 {
		t.Errorf("events emitted: %v", bus.names())
	}
}

func TestRegenerateSummaryResetsCompleted(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createTranscription(t, s, "t1", true)
	for _, st := range []storage.SubState{storage.Pending{}, storage.Processing{}, storage.Completed{Content: "old"}} {
		s.TransitionTranscription(ctx, "t1", storage.TranscriptionExpect{}, func(tr *storage.Transcription) { tr.Summary = st })
	}

	status, err := o.RegenerateSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("RegenerateSummary: %v", err)
	}
	if status != storage.SubPending {
		t.Errorf("status: got %q, want pending", status)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if storage.StatusOf(got.Summary) != storage.SubPending {
		t.Errorf("stored summary: got %q", storage.StatusOf(got.Summary))
	}
	if names := bus.names(); len(names) != 1 || names[0] != events.SummarizeRequested {
		t.Errorf("events: got %v", names)
	}

	// A second request while pending re-sends the request without a new
	// transition.
	status, err = o.RegenerateSummary(ctx, "t1")
	if err != nil || status != storage.SubPending {
		t.Fatalf("second regenerate: %q, %v", status, err)
	}
	again, _ := s.GetTranscription(ctx, "t1")
	if again.Version != got.Version {
		t.Errorf("pending regenerate bumped version %d -> %d", got.Version, again.Version)
	}
	if names := bus.names(); len(names) != 2 || names[1] != events.SummarizeRequested {
		t.Errorf("events: got %v", names)
	}

	// Once a worker holds it, nothing more is emitted.
	s.TransitionTranscription(ctx, "t1", storage.TranscriptionExpect{}, func(tr *storage.Transcription) { tr.Summary = storage.Processing{} })
	status, err = o.RegenerateSummary(ctx, "t1")
	if err != nil || status != storage.SubProcessing {
		t.Fatalf("regenerate while processing: %q, %v", status, err)
	}
	if len(bus.names()) != 2 {
		t.Errorf("event emitted while processing: %v", bus.names())
	}
}

func TestRegenerateSummaryAfterLostPublish(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createTranscription(t, s, "t1", true)

	bus.err = errors.New("channel closed")
	if _, err := o.RegenerateSummary(ctx, "t1"); fault.KindOf(err) != fault.Transient {
		t.Fatalf("got %v, want transient", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if storage.StatusOf(got.Summary) != storage.SubPending {
		t.Fatalf("summary = %s, want pending", storage.StatusOf(got.Summary))
	}

	bus.err = nil
	status, err := o.RegenerateSummary(ctx, "t1")
	if err != nil || status != storage.SubPending {
		t.Fatalf("retry: %q, %v", status, err)
	}
	if names := bus.names(); len(names) != 1 || names[0] != events.SummarizeRequested {
		t.Errorf("events: got %v", names)
	}
}

func TestRequestTranslationAfterLostPublish(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createTranscription(t, s, "t1", true)

	bus.err = errors.New("channel closed")
	if _, err := o.RequestTranslation(ctx, "t1", "es"); fault.KindOf(err) != fault.Transient {
		t.Fatalf("got %v, want transient", err)
	}

	bus.err = nil
	status, err := o.RequestTranslation(ctx, "t1", "es")
	if err != nil || status != storage.SubPending {
		t.Fatalf("retry: %q, %v", status, err)
	}
	if len(bus.events) != 1 || bus.events[0].Name != events.TranslateRequested || bus.events[0].Language != "es" {
		t.Errorf("events: %+v", bus.events)
	}
}

func TestRequestTranslationFromSummaryNeedsSummary(t *testing.T) {
	o, s, _ := newTestOrchestrator(t, Graph{TranslationSource: FromSummary})
	createTranscription(t, s, "t1", true)

	_, err := o.RequestTranslation(context.Background(), "t1", "fr")
	if fault.CodeOf(err) != "summary_required" {
		t.Fatalf("got %v, want summary_required", err)
	}
}

func TestRequestTranslation(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()
	createTranscription(t, s, "t1", true)

	status, err := o.RequestTranslation(ctx, "t1", "fr")
	if err != nil || status != storage.SubPending {
		t.Fatalf("RequestTranslation: %q, %v", status, err)
	}
	if len(bus.events) != 1 || bus.events[0].Language != "fr" {
		t.Errorf("events: %+v", bus.events)
	}
	tr, err := s.GetTranslation(ctx, "t1", "fr")
	if err != nil || storage.StatusOf(tr.State) != storage.SubPending {
		t.Errorf("translation: %+v, %v", tr, err)
	}
}

func TestOnStageCompletedSchedulesFollowOns(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{AutoSummarize: true, AutoTranslate: []string{"es"}})
	ctx := context.Background()
	createTranscription(t, s, "t1", true)

	if err := o.OnStageCompleted(ctx, Completion{EntityID: "t1", Stage: StageTranscribe, Outcome: Succeeded}); err != nil {
		t.Fatalf("OnStageCompleted: %v", err)
	}
	want := []string{events.StageCompleted, events.SummarizeRequested, events.TranslateRequested}
	got := bus.names()
	if len(got) != len(want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}

	// Duplicate completion notice does not re-request in-flight steps.
	if err := o.OnStageCompleted(ctx, Completion{EntityID: "t1", Stage: StageTranscribe, Outcome: Succeeded}); err != nil {
		t.Fatalf("second OnStageCompleted: %v", err)
	}
	if n := len(bus.names()); n != 4 {
		t.Errorf("got %d events, want 4 (only a second stage.completed)", n)
	}
}

func TestOnStageCompletedFailureEmitsNoFollowOn(t *testing.T) {
	o, s, bus := newTestOrchestrator(t, Graph{AutoSummarize: true})
	createTranscription(t, s, "t1", false)

	if err := o.OnStageCompleted(context.Background(), Completion{EntityID: "t1", Stage: StageTranscribe, Outcome: Failed}); err != nil {
		t.Fatalf("OnStageCompleted: %v", err)
	}
	if got := bus.names(); len(got) != 1 || got[0] != events.StageCompleted {
		t.Errorf("events: got %v", got)
	}
	if bus.events[0].Outcome != string(Failed) {
		t.Errorf("outcome: got %q", bus.events[0].Outcome)
	}
}

func TestReemitFlagsRecovery(t *testing.T) {
	o, _, bus := newTestOrchestrator(t, Graph{})
	ctx := context.Background()

	o.Reemit(ctx, storage.StaleItem{Kind: storage.StaleAnalysis, EntityID: "a1", Status: "queued"})
	o.Reemit(ctx, storage.StaleItem{Kind: storage.StaleTranslation, EntityID: "t1", Language: "fr", Status: "processing"})

	if len(bus.events) != 2 {
		t.Fatalf("got %d events", len(bus.events))
	}
	if bus.events[0].Name != events.AnalyzeJobRequested || bus.events[0].Recover {
		t.Errorf("queued analysis: %+v", bus.events[0])
	}
	if bus.events[1].Name != events.TranslateRequested || !bus.events[1].Recover || bus.events[1].Language != "fr" {
		t.Errorf("processing translation: %+v", bus.events[1])
	}
}
