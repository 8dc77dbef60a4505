package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/jobpipe/internal/blob"
	"github.com/kalambet/jobpipe/internal/engine"
	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/jobsource"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/scoring"
	"github.com/kalambet/jobpipe/internal/speech"
	"github.com/kalambet/jobpipe/internal/storage"
	"github.com/kalambet/jobpipe/internal/summarize"
	"github.com/kalambet/jobpipe/internal/translate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingCompleter struct {
	mu  sync.Mutex
	got []orchestrator.Completion
	err error
}

func (c *recordingCompleter) OnStageCompleted(_ context.Context, comp orchestrator.Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, comp)
	return c.err
}

func (c *recordingCompleter) calls() []orchestrator.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]orchestrator.Completion(nil), c.got...)
}

type fakeSTT struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	block chan struct{}
}

func (f *fakeSTT) Transcribe(ctx context.Context, a speech.Audio) (speech.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return speech.Result{}, ctx.Err()
		}
	}
	if _, err := io.ReadAll(a.Body); err != nil {
		return speech.Result{}, err
	}
	return speech.Result{Text: f.text, Provider: "openai", Model: "whisper-1"}, f.err
}

func transcribeEvent(id string) events.Event {
	return events.New(events.TranscribeRequested, id)
}

func newTranscribeFixture(t *testing.T, stt *fakeSTT) (*TranscribeWorker, *storage.Store, *recordingCompleter) {
	t.Helper()
	s := openStore(t)
	audio, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	if _, err := audio.Put(context.Background(), "audio/u1/t1.wav", strings.NewReader("RIFF...."), "audio/wav"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.CreateTranscription(context.Background(), storage.Transcription{
		ID: "t1", UserID: "u1", AudioRef: "audio/u1/t1.wav", AudioMIME: "audio/wav",
	}); err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	c := &recordingCompleter{}
	w := NewTranscribeWorker(s, audio, stt, c, Config{Timeout: time.Second}, testLogger(), nil)
	return w, s, c
}

func TestTranscribeCompletes(t *testing.T) {
	stt := &fakeSTT{text: "hello world"}
	w, s, c := newTranscribeFixture(t, stt)
	ctx := context.Background()

	if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetTranscription(ctx, "t1")
	if got.Status != storage.TranscriptionCompleted || got.TranscriptText() != "hello world" {
		t.Fatalf("transcription = %+v", got)
	}
	if got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
		t.Errorf("timestamps not set: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	calls := c.calls()
	if len(calls) != 1 || calls[0].Stage != orchestrator.StageTranscribe || calls[0].Outcome != orchestrator.Succeeded {
		t.Errorf("completions = %+v", calls)
	}
}

func TestTranscribeDuplicateDeliveryIsDiscarded(t *testing.T) {
	stt := &fakeSTT{text: "hello"}
	w, s, c := newTranscribeFixture(t, stt)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
			t.Fatalf("Handle #%d: %v", i, err)
		}
	}
	if stt.calls != 1 {
		t.Errorf("provider calls = %d, want 1", stt.calls)
	}
	if len(c.calls()) != 1 {
		t.Errorf("completions = %d, want 1", len(c.calls()))
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if got.Version != 3 {
		t.Errorf("version = %d, want 3 (create, claim, complete)", got.Version)
	}
}

func TestTranscribeEmptyTextFails(t *testing.T) {
	w, s, c := newTranscribeFixture(t, &fakeSTT{text: ""})
	ctx := context.Background()

	if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	f, ok := got.Outcome.(storage.Failure)
	if got.Status != storage.TranscriptionFailed || !ok || f.Code != CodeEmptyTranscript {
		t.Fatalf("transcription = %+v", got)
	}
	if calls := c.calls(); len(calls) != 1 || calls[0].Outcome != orchestrator.Failed {
		t.Errorf("completions = %+v", calls)
	}
}

func TestTranscribeProviderFailureIsRecorded(t *testing.T) {
	perr := fault.Wrap(fault.Provider, engine.CodeRejected, errors.New("unsupported codec"))
	w, s, _ := newTranscribeFixture(t, &fakeSTT{err: perr})
	ctx := context.Background()

	if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
		t.Fatalf("Handle returned %v; provider failures must not be returned", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	f, _ := got.Outcome.(storage.Failure)
	if got.Status != storage.TranscriptionFailed || f.Code != engine.CodeRejected || !strings.Contains(f.Message, "unsupported codec") {
		t.Fatalf("transcription = %+v", got)
	}
}

func TestTranscribeTimeoutIsRecorded(t *testing.T) {
	stt := &fakeSTT{text: "never", block: make(chan struct{})}
	w, s, _ := newTranscribeFixture(t, stt)
	w.cfg.Timeout = 20 * time.Millisecond
	ctx := context.Background()

	if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	f, _ := got.Outcome.(storage.Failure)
	if got.Status != storage.TranscriptionFailed || f.Code != engine.CodeTimeout {
		t.Fatalf("transcription = %+v", got)
	}
}

func TestTranscribeMissingAudio(t *testing.T) {
	w, s, _ := newTranscribeFixture(t, &fakeSTT{text: "x"})
	ctx := context.Background()
	s.CreateTranscription(ctx, storage.Transcription{ID: "t2", UserID: "u1", AudioRef: "audio/u1/gone.wav"})

	if err := w.Handle(ctx, transcribeEvent("t2")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t2")
	if f, _ := got.Outcome.(storage.Failure); f.Code != CodeAudioMissing {
		t.Fatalf("transcription = %+v", got)
	}
}

func TestTranscribeUnknownEntityIsDiscarded(t *testing.T) {
	stt := &fakeSTT{text: "x"}
	w, _, c := newTranscribeFixture(t, stt)

	if err := w.Handle(context.Background(), transcribeEvent("nope")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if stt.calls != 0 || len(c.calls()) != 0 {
		t.Errorf("unknown entity reached the provider")
	}
}

func TestTranscribeShutdownReleasesClaim(t *testing.T) {
	stt := &fakeSTT{text: "after restart", block: make(chan struct{})}
	w, s, c := newTranscribeFixture(t, stt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := w.Handle(ctx, transcribeEvent("t1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Handle = %v, want context.Canceled", err)
	}
	got, _ := s.GetTranscription(context.Background(), "t1")
	if got.Status != storage.TranscriptionPending || !got.StartedAt.IsZero() {
		t.Errorf("status = %s started=%v, want pending with no start time", got.Status, got.StartedAt)
	}
	if len(c.calls()) != 0 {
		t.Errorf("completion reported for an interrupted attempt")
	}

	// The redelivered event is claimable again.
	close(stt.block)
	if err := w.Handle(context.Background(), transcribeEvent("t1")); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = s.GetTranscription(context.Background(), "t1")
	if got.Status != storage.TranscriptionCompleted || got.TranscriptText() != "after restart" {
		t.Fatalf("transcription = %+v", got)
	}
}

// flakyAudio fails the first Open with a storage outage.
type flakyAudio struct {
	AudioStore
	failed bool
}

func (f *flakyAudio) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("connection reset by peer")
	}
	return f.AudioStore.Open(ctx, key)
}

func TestTranscribeBlobOutageIsRedelivered(t *testing.T) {
	stt := &fakeSTT{text: "hello"}
	w, s, c := newTranscribeFixture(t, stt)
	w.audio = &flakyAudio{AudioStore: w.audio}
	ctx := context.Background()
	ev := transcribeEvent("t1")

	err := w.Handle(ctx, ev)
	if fault.KindOf(err) != fault.Transient {
		t.Fatalf("Handle = %v, want transient error", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if got.Status != storage.TranscriptionPending {
		t.Fatalf("status after outage = %s, want pending", got.Status)
	}

	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = s.GetTranscription(ctx, "t1")
	if got.Status != storage.TranscriptionCompleted || got.TranscriptText() != "hello" {
		t.Fatalf("transcription = %+v", got)
	}
	if calls := c.calls(); len(calls) != 1 || calls[0].Outcome != orchestrator.Succeeded {
		t.Errorf("completions = %+v", calls)
	}
}

func TestTranscribeRecoversStaleProcessing(t *testing.T) {
	stt := &fakeSTT{text: "recovered"}
	w, s, _ := newTranscribeFixture(t, stt)
	ctx := context.Background()

	// An earlier attempt claimed the entity and vanished.
	if _, err := s.TransitionTranscription(ctx, "t1", storage.TranscriptionExpect{Status: storage.TranscriptionPending}, func(tr *storage.Transcription) {
		tr.Status = storage.TranscriptionProcessing
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := w.Handle(ctx, transcribeEvent("t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if stt.calls != 0 {
		t.Fatal("plain redelivery must not steal a processing entity")
	}

	ev := transcribeEvent("t1")
	ev.Recover = true
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if stt.calls != 0 {
		t.Fatal("recovery must wait until the claim is stale")
	}

	w.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if got.Status != storage.TranscriptionCompleted || got.TranscriptText() != "recovered" {
		t.Fatalf("transcription = %+v", got)
	}
}

func TestCompletionErrorIsReturned(t *testing.T) {
	w, _, c := newTranscribeFixture(t, &fakeSTT{text: "x"})
	c.err = fault.Wrap(fault.Transient, "bus_unavailable", errors.New("broker down"))

	err := w.Handle(context.Background(), transcribeEvent("t1"))
	if fault.KindOf(err) != fault.Transient {
		t.Fatalf("Handle = %v, want transient error", err)
	}
}

// completedTranscription creates a transcription that finished with text.
func completedTranscription(t *testing.T, s *storage.Store, id, text string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTranscription(ctx, storage.Transcription{ID: id, UserID: "u1", AudioRef: "a"}); err != nil {
		t.Fatalf("CreateTranscription: %v", err)
	}
	s.TransitionTranscription(ctx, id, storage.TranscriptionExpect{}, func(tr *storage.Transcription) {
		tr.Status = storage.TranscriptionProcessing
	})
	if _, err := s.TransitionTranscription(ctx, id, storage.TranscriptionExpect{}, func(tr *storage.Transcription) {
		tr.Status = storage.TranscriptionCompleted
		tr.Outcome = storage.Transcript{Text: text}
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func setSummary(t *testing.T, s *storage.Store, id string, st storage.SubState) {
	t.Helper()
	if _, err := s.TransitionTranscription(context.Background(), id, storage.TranscriptionExpect{}, func(tr *storage.Transcription) {
		tr.Summary = st
	}); err != nil {
		t.Fatalf("set summary %T: %v", st, err)
	}
}

type fakeSummarizer struct {
	calls  int
	err    error
	during func()
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (summarize.Result, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return summarize.Result{}, f.err
	}
	return summarize.Result{Text: "summary of " + transcript, Provider: "openrouter", Model: "m1"}, nil
}

func TestSummarizeCompletes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "the transcript")
	setSummary(t, s, "t1", storage.Pending{})

	c := &recordingCompleter{}
	w := NewSummarizeWorker(s, &fakeSummarizer{}, c, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.SummarizeRequested, "t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetTranscription(ctx, "t1")
	want := storage.Completed{Content: "summary of the transcript", Provider: "openrouter", Model: "m1"}
	if got.Summary != want {
		t.Fatalf("summary = %#v, want %#v", got.Summary, want)
	}
	if calls := c.calls(); len(calls) != 1 || calls[0].Stage != orchestrator.StageSummarize {
		t.Errorf("completions = %+v", calls)
	}
}

func TestSummarizeWhileProcessingIsDiscarded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "text")
	setSummary(t, s, "t1", storage.Pending{})
	setSummary(t, s, "t1", storage.Processing{})

	sum := &fakeSummarizer{}
	w := NewSummarizeWorker(s, sum, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.SummarizeRequested, "t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sum.calls != 0 {
		t.Errorf("duplicate delivery reached the provider")
	}
}

func TestSummarizeAbsentIsDiscarded(t *testing.T) {
	s := openStore(t)
	completedTranscription(t, s, "t1", "text")

	sum := &fakeSummarizer{}
	w := NewSummarizeWorker(s, sum, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(context.Background(), events.New(events.SummarizeRequested, "t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sum.calls != 0 {
		t.Errorf("summary without a pending request reached the provider")
	}
}

func TestSummarizeLateWriterLoses(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "text")
	setSummary(t, s, "t1", storage.Pending{})

	sum := &fakeSummarizer{}
	// While the provider runs, a recovery attempt re-claims the summary.
	sum.during = func() { setSummary(t, s, "t1", storage.Processing{}) }
	c := &recordingCompleter{}
	w := NewSummarizeWorker(s, sum, c, Config{}, testLogger(), nil)

	if err := w.Handle(ctx, events.New(events.SummarizeRequested, "t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	if storage.StatusOf(got.Summary) != storage.SubProcessing {
		t.Errorf("summary = %s, want processing (owned by the re-claim)", storage.StatusOf(got.Summary))
	}
	if len(c.calls()) != 0 {
		t.Errorf("losing attempt reported completion")
	}
}

func TestSummarizeErrorIsRecorded(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "text")
	setSummary(t, s, "t1", storage.Pending{})

	w := NewSummarizeWorker(s, &fakeSummarizer{err: engine.Malformed(errors.New("empty summary"))}, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.SummarizeRequested, "t1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranscription(ctx, "t1")
	e, ok := got.Summary.(storage.Errored)
	if !ok || e.Code != engine.CodeMalformed {
		t.Fatalf("summary = %#v", got.Summary)
	}
	if got.Status != storage.TranscriptionCompleted {
		t.Errorf("summary failure changed primary status to %s", got.Status)
	}
}

func TestSummarizeInterruptedReleasesClaim(t *testing.T) {
	s := openStore(t)
	completedTranscription(t, s, "t1", "text")
	setSummary(t, s, "t1", storage.Pending{})

	ctx, cancel := context.WithCancel(context.Background())
	sum := &fakeSummarizer{during: cancel}
	w := NewSummarizeWorker(s, sum, &recordingCompleter{}, Config{}, testLogger(), nil)
	ev := events.New(events.SummarizeRequested, "t1")

	if err := w.Handle(ctx, ev); !errors.Is(err, context.Canceled) {
		t.Fatalf("Handle = %v, want context.Canceled", err)
	}
	got, _ := s.GetTranscription(context.Background(), "t1")
	if storage.StatusOf(got.Summary) != storage.SubPending {
		t.Fatalf("summary = %s, want pending", storage.StatusOf(got.Summary))
	}

	sum.during = nil
	if err := w.Handle(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = s.GetTranscription(context.Background(), "t1")
	if storage.StatusOf(got.Summary) != storage.SubCompleted {
		t.Fatalf("summary = %#v", got.Summary)
	}
}

type fakeTranslator struct {
	calls int
	text  string
}

func (f *fakeTranslator) Translate(_ context.Context, text, lang string) (translate.Result, error) {
	f.calls++
	f.text = text
	return translate.Result{Text: lang + ":" + text, Provider: "ollama", Model: "llama3.1"}, nil
}

func requestTranslation(t *testing.T, s *storage.Store, id, lang string) {
	t.Helper()
	if _, err := s.TransitionTranslation(context.Background(), id, lang, storage.TranslationExpect{Status: storage.SubAbsent}, func(tr *storage.Translation) {
		tr.State = storage.Pending{}
	}); err != nil {
		t.Fatalf("request translation: %v", err)
	}
}

func translateEvent(id, lang string) events.Event {
	ev := events.New(events.TranslateRequested, id)
	ev.Language = lang
	return ev
}

func TestTranslateFromTranscript(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "hello")
	requestTranslation(t, s, "t1", "es")

	tr := &fakeTranslator{}
	c := &recordingCompleter{}
	w := NewTranslateWorker(s, tr, orchestrator.FromTranscript, c, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, translateEvent("t1", "es")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetTranslation(ctx, "t1", "es")
	if cmp, ok := got.State.(storage.Completed); !ok || cmp.Content != "es:hello" {
		t.Fatalf("translation = %#v", got.State)
	}
	if calls := c.calls(); len(calls) != 1 || calls[0].Language != "es" || calls[0].Stage != orchestrator.StageTranslate {
		t.Errorf("completions = %+v", calls)
	}
}

// flakyResultWrite fails the first write of a finished translation.
type flakyResultWrite struct {
	*storage.Store
	failed bool
}

func (f *flakyResultWrite) TransitionTranslation(ctx context.Context, id, lang string, expect storage.TranslationExpect, mutate func(*storage.Translation)) (storage.Translation, error) {
	if !f.failed && expect.Status == storage.SubProcessing {
		var next storage.Translation
		mutate(&next)
		if storage.StatusOf(next.State) == storage.SubCompleted {
			f.failed = true
			return storage.Translation{}, fault.Wrap(fault.Transient, "store_unavailable", errors.New("disk I/O error"))
		}
	}
	return f.Store.TransitionTranslation(ctx, id, lang, expect, mutate)
}

func TestTranslateLostResultWriteIsRedelivered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "hello")
	requestTranslation(t, s, "t1", "es")

	tr := &fakeTranslator{}
	c := &recordingCompleter{}
	w := NewTranslateWorker(&flakyResultWrite{Store: s}, tr, orchestrator.FromTranscript, c, Config{}, testLogger(), nil)
	ev := translateEvent("t1", "es")

	if err := w.Handle(ctx, ev); fault.KindOf(err) != fault.Transient {
		t.Fatalf("Handle = %v, want transient error", err)
	}
	got, _ := s.GetTranslation(ctx, "t1", "es")
	if storage.StatusOf(got.State) != storage.SubPending {
		t.Fatalf("translation = %s, want pending", storage.StatusOf(got.State))
	}

	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = s.GetTranslation(ctx, "t1", "es")
	if cmp, ok := got.State.(storage.Completed); !ok || cmp.Content != "es:hello" {
		t.Fatalf("translation = %#v", got.State)
	}
	if tr.calls != 2 || len(c.calls()) != 1 {
		t.Errorf("provider calls = %d, completions = %d; want 2 and 1", tr.calls, len(c.calls()))
	}
}

func TestTranslateFromMissingSummary(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "hello")
	requestTranslation(t, s, "t1", "de")

	tr := &fakeTranslator{}
	w := NewTranslateWorker(s, tr, orchestrator.FromSummary, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, translateEvent("t1", "de")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetTranslation(ctx, "t1", "de")
	if e, ok := got.State.(storage.Errored); !ok || e.Code != CodeSourceUnavailable {
		t.Fatalf("translation = %#v", got.State)
	}
	if tr.calls != 0 {
		t.Errorf("translator called without a source")
	}
}

func TestTranslateFromSummary(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	completedTranscription(t, s, "t1", "long transcript")
	setSummary(t, s, "t1", storage.Pending{})
	setSummary(t, s, "t1", storage.Processing{})
	setSummary(t, s, "t1", storage.Completed{Content: "short", Provider: "p", Model: "m"})
	requestTranslation(t, s, "t1", "fr")

	tr := &fakeTranslator{}
	w := NewTranslateWorker(s, tr, orchestrator.FromSummary, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, translateEvent("t1", "fr")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if tr.text != "short" {
		t.Errorf("translated %q, want the summary", tr.text)
	}
}

func TestTranslateWithoutRowIsDiscarded(t *testing.T) {
	s := openStore(t)
	completedTranscription(t, s, "t1", "hello")

	tr := &fakeTranslator{}
	w := NewTranslateWorker(s, tr, orchestrator.FromTranscript, &recordingCompleter{}, Config{}, testLogger(), nil)
	for _, ev := range []events.Event{translateEvent("t1", "it"), translateEvent("t1", "")} {
		if err := w.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if tr.calls != 0 {
		t.Errorf("translator called for an unrequested language")
	}
}

type fakeFetcher struct {
	text string
	err  error
}

func (f fakeFetcher) Fetch(context.Context, string) (string, error) { return f.text, f.err }

type fakeScorer struct {
	res scoring.Result
	err error
	job string
}

func (f *fakeScorer) Score(_ context.Context, _, job string) (scoring.Result, error) {
	f.job = job
	return f.res, f.err
}

func seedAnalysis(t *testing.T, s *storage.Store, a storage.JobAnalysis) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateResume(ctx, storage.Resume{ID: "r1", UserID: "u1", Text: "resume", Source: storage.ResumeFromText}); err != nil {
		t.Fatalf("CreateResume: %v", err)
	}
	a.UserID, a.ResumeID = "u1", "r1"
	if err := s.CreateAnalysis(ctx, a); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
}

func TestAnalyzeFromDescription(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedAnalysis(t, s, storage.JobAnalysis{ID: "a1", JobSourceType: storage.JobSourceText, JobDescription: "Senior Go engineer"})

	sc := &fakeScorer{res: scoring.Result{Score: 77, Data: []byte(`{"compatibilityScore":77}`)}}
	c := &recordingCompleter{}
	w := NewAnalyzeWorker(s, fakeFetcher{err: errors.New("must not fetch")}, sc, c, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.AnalyzeJobRequested, "a1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _ := s.GetAnalysis(ctx, "a1")
	res, ok := got.Outcome.(storage.AnalysisResult)
	if got.Status != storage.AnalysisCompleted || !ok || res.Score != 77 {
		t.Fatalf("analysis = %+v", got)
	}
	if sc.job != "Senior Go engineer" {
		t.Errorf("scored job = %q", sc.job)
	}
	if calls := c.calls(); len(calls) != 1 || calls[0].Stage != orchestrator.StageAnalyzeJob {
		t.Errorf("completions = %+v", calls)
	}
}

func TestAnalyzeFetchesURL(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedAnalysis(t, s, storage.JobAnalysis{ID: "a1", JobSourceType: storage.JobSourceURL, JobURL: "https://www.linkedin.com/jobs/view/1"})

	sc := &fakeScorer{res: scoring.Result{Score: 10, Data: []byte(`{}`)}}
	w := NewAnalyzeWorker(s, fakeFetcher{text: "fetched description"}, sc, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.AnalyzeJobRequested, "a1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if sc.job != "fetched description" {
		t.Errorf("scored job = %q", sc.job)
	}
}

func TestAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name    string
		fetcher fakeFetcher
		scorer  *fakeScorer
		code    string
	}{
		{
			name:    "unfetchable",
			fetcher: fakeFetcher{err: fault.Wrap(fault.Provider, "job_url_unfetchable", errors.New("status 999"))},
			scorer:  &fakeScorer{},
			code:    "job_url_unfetchable",
		},
		{
			name:    "malformed",
			fetcher: fakeFetcher{text: "job"},
			scorer:  &fakeScorer{err: engine.Malformed(errors.New("not json"))},
			code:    engine.CodeMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			ctx := context.Background()
			seedAnalysis(t, s, storage.JobAnalysis{ID: "a1", JobSourceType: storage.JobSourceURL, JobURL: "https://www.linkedin.com/jobs/view/1"})

			c := &recordingCompleter{}
			w := NewAnalyzeWorker(s, tt.fetcher, tt.scorer, c, Config{}, testLogger(), nil)
			if err := w.Handle(ctx, events.New(events.AnalyzeJobRequested, "a1")); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			got, _ := s.GetAnalysis(ctx, "a1")
			f, ok := got.Outcome.(storage.Failure)
			if got.Status != storage.AnalysisFailed || !ok || f.Code != tt.code || f.Message == "" {
				t.Fatalf("analysis = %+v", got)
			}
			if calls := c.calls(); len(calls) != 1 || calls[0].Outcome != orchestrator.Failed {
				t.Errorf("completions = %+v", calls)
			}
		})
	}
}

// flakyResumes fails the first GetResume with a store outage.
type flakyResumes struct {
	*storage.Store
	failed bool
}

func (f *flakyResumes) GetResume(ctx context.Context, id string) (storage.Resume, error) {
	if !f.failed {
		f.failed = true
		return storage.Resume{}, fault.Wrap(fault.Transient, "store_unavailable", errors.New("database is locked"))
	}
	return f.Store.GetResume(ctx, id)
}

func TestAnalyzeTransientFailureIsRedelivered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedAnalysis(t, s, storage.JobAnalysis{ID: "a1", JobSourceType: storage.JobSourceText, JobDescription: "Go engineer"})

	sc := &fakeScorer{res: scoring.Result{Score: 55, Data: []byte(`{"compatibilityScore":55}`)}}
	c := &recordingCompleter{}
	w := NewAnalyzeWorker(&flakyResumes{Store: s}, fakeFetcher{}, sc, c, Config{}, testLogger(), nil)
	ev := events.New(events.AnalyzeJobRequested, "a1")

	err := w.Handle(ctx, ev)
	if fault.KindOf(err) != fault.Transient {
		t.Fatalf("Handle = %v, want transient error", err)
	}
	got, _ := s.GetAnalysis(ctx, "a1")
	if got.Status != storage.AnalysisQueued || !got.StartedAt.IsZero() {
		t.Fatalf("analysis after outage = %s started=%v, want queued", got.Status, got.StartedAt)
	}
	if len(c.calls()) != 0 {
		t.Errorf("completion reported for an unsettled attempt")
	}

	// The same event delivered again finishes the job.
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = s.GetAnalysis(ctx, "a1")
	if got.Status != storage.AnalysisCompleted || sc.job != "Go engineer" {
		t.Fatalf("analysis = %+v, scored job %q", got, sc.job)
	}
}

func TestAnalyzeRechecksStoredURL(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	seedAnalysis(t, s, storage.JobAnalysis{ID: "a1", JobSourceType: storage.JobSourceURL, JobURL: "http://169.254.169.254/latest/meta-data"})

	sc := &fakeScorer{}
	w := NewAnalyzeWorker(s, fakeFetcher{err: errors.New("must not fetch")}, sc, &recordingCompleter{}, Config{}, testLogger(), nil)
	if err := w.Handle(ctx, events.New(events.AnalyzeJobRequested, "a1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _ := s.GetAnalysis(ctx, "a1")
	f, ok := got.Outcome.(storage.Failure)
	if got.Status != storage.AnalysisFailed || !ok || f.Code != jobsource.CodeNotLinkedIn {
		t.Fatalf("analysis = %+v", got)
	}
	if sc.job != "" {
		t.Errorf("scorer called with %q", sc.job)
	}
}

type fakeSubscriber struct {
	handlers map[string]events.Handler
}

func (f *fakeSubscriber) Subscribe(name string, h events.Handler) error {
	f.handlers[name] = h
	return nil
}

type panickyHandler struct{}

func (panickyHandler) Event() string { return events.SummarizeRequested }
func (panickyHandler) Handle(context.Context, events.Event) error {
	panic("boom")
}

func TestRegister(t *testing.T) {
	s := openStore(t)
	sub := &fakeSubscriber{handlers: map[string]events.Handler{}}
	tw := NewTranscribeWorker(s, nil, &fakeSTT{}, &recordingCompleter{}, Config{}, testLogger(), nil)

	if err := Register(sub, testLogger(), tw, panickyHandler{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := sub.handlers[events.TranscribeRequested]; !ok {
		t.Error("transcribe worker not subscribed")
	}
	err := sub.handlers[events.SummarizeRequested](context.Background(), events.New(events.SummarizeRequested, "x"))
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Errorf("panic not converted to error: %v", err)
	}
}
