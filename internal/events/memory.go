package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MemoryOptions tunes the in-process bus.
type MemoryOptions struct {
	Buffer      int           // queued deliveries before Publish blocks
	Workers     int           // concurrent handler invocations
	MaxAttempts int           // deliveries per event before it is dropped
	RetryDelay  time.Duration // wait before a failed delivery is retried
}

type delivery struct {
	ev      Event
	attempt int
}

// MemoryBus is an in-process bus for single-binary deployments and tests.
// Failed deliveries are retried up to MaxAttempts times.
type MemoryBus struct {
	opts   MemoryOptions
	logger *slog.Logger
	queue  chan delivery

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMemoryBus(logger *slog.Logger, opts MemoryOptions) *MemoryBus {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &MemoryBus{
		opts:     opts,
		logger:   logger.With("component", "bus.memory"),
		queue:    make(chan delivery, opts.Buffer),
		handlers: make(map[string]Handler),
	}
}

func (b *MemoryBus) Subscribe(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return fmt.Errorf("handler for %s already registered", name)
	}
	b.handlers[name] = h
	return nil
}

// Publish enqueues a copy of ev. It blocks while the buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	cp, err := decode(body)
	if err != nil {
		return err
	}
	select {
	case b.queue <- delivery{ev: cp, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches deliveries until ctx is cancelled.
func (b *MemoryBus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-b.queue:
					b.dispatch(ctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (b *MemoryBus) dispatch(ctx context.Context, d delivery) {
	b.mu.RLock()
	h, ok := b.handlers[d.ev.Name]
	b.mu.RUnlock()
	if !ok {
		b.logger.Debug("no handler, dropping event", "event", d.ev.Name, "entity_id", d.ev.EntityID)
		return
	}

	err := h(ctx, d.ev)
	if err == nil {
		return
	}
	if d.attempt >= b.opts.MaxAttempts {
		b.logger.Error("event dropped after max attempts",
			"event", d.ev.Name, "entity_id", d.ev.EntityID, "attempts", d.attempt, "error", err)
		return
	}
	b.logger.Warn("event handler failed, redelivering",
		"event", d.ev.Name, "entity_id", d.ev.EntityID, "attempt", d.attempt, "error", err)

	d.attempt++
	go func() {
		t := time.NewTimer(b.opts.RetryDelay)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case b.queue <- d:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (b *MemoryBus) Close() error { return nil }
