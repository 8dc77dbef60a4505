package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(testLogger(), MemoryOptions{Workers: 1})
	got := make(chan Event, 1)
	if err := bus.Subscribe(SummarizeRequested, func(ctx context.Context, ev Event) error {
		got <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	ev := New(SummarizeRequested, "t1")
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-got:
		if d.ID != ev.ID || d.EntityID != "t1" {
			t.Errorf("delivered %+v, want %+v", d, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusRedeliversOnError(t *testing.T) {
	bus := NewMemoryBus(testLogger(), MemoryOptions{Workers: 1, MaxAttempts: 3, RetryDelay: time.Millisecond})
	var calls atomic.Int32
	done := make(chan struct{})
	if err := bus.Subscribe(AnalyzeJobRequested, func(ctx context.Context, ev Event) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	if err := bus.Publish(ctx, New(AnalyzeJobRequested, "a1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler called %d times, want 3", calls.Load())
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
}

func TestMemoryBusRejectsDuplicateSubscription(t *testing.T) {
	bus := NewMemoryBus(testLogger(), MemoryOptions{})
	h := func(ctx context.Context, ev Event) error { return nil }
	if err := bus.Subscribe(StageCompleted, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe(StageCompleted, h); err == nil {
		t.Error("second subscription accepted")
	}
}

func TestPublishValidatesEvent(t *testing.T) {
	bus := NewMemoryBus(testLogger(), MemoryOptions{})
	if err := bus.Publish(context.Background(), Event{Name: TranscribeRequested}); err == nil {
		t.Error("event without an entity id was published")
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName("jobpipe", AnalyzeJobRequested); got != "jobpipe-analyze-job-requested" {
		t.Errorf("QueueName = %s", got)
	}
	if got := QueueName("", StageCompleted); got != "stage-completed" {
		t.Errorf("QueueName without prefix = %s", got)
	}
}
