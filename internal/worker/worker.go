// Package worker runs the stage workers. Each worker handles one
// stage-request event: it claims the entity with a conditioned transition,
// calls its provider under a timeout and records the result or the failure
// as entity data. Only store and bus errors are returned, which makes the
// bus redeliver; everything else is settled on the entity.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
)

const (
	// CodeProviderError is recorded when a provider fails without a
	// classified code.
	CodeProviderError = "provider_error"

	maxFailureMessage = 500
	defaultTimeout    = 2 * time.Minute
	defaultStaleAfter = 15 * time.Minute
	releaseTimeout    = 5 * time.Second
)

// Completer is told about every finished stage attempt.
type Completer interface {
	OnStageCompleted(ctx context.Context, c orchestrator.Completion) error
}

// Config bounds a worker's provider call and its recovery behavior.
type Config struct {
	Timeout    time.Duration
	StaleAfter time.Duration
}

// Handler is a stage worker bound to one event name.
type Handler interface {
	Event() string
	Handle(ctx context.Context, ev events.Event) error
}

// Register subscribes every handler to its event. A panicking handler is
// logged and reported as an error so the bus applies its retry policy.
func Register(sub events.Subscriber, logger *slog.Logger, handlers ...Handler) error {
	for _, h := range handlers {
		h := h
		err := sub.Subscribe(h.Event(), func(ctx context.Context, ev events.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("stage worker panicked", "event", ev.Name, "entity_id", ev.EntityID, "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("handler for %s panicked: %v", ev.Name, r)
				}
			}()
			return h.Handle(ctx, ev)
		})
		if err != nil {
			return fmt.Errorf("subscribing %s: %w", h.Event(), err)
		}
	}
	return nil
}

// runner holds what every stage worker shares.
type runner struct {
	stage     orchestrator.Stage
	cfg       Config
	completer Completer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func newRunner(stage orchestrator.Stage, cfg Config, c Completer, logger *slog.Logger, m *metrics.Metrics) runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return runner{
		stage:     stage,
		cfg:       cfg,
		completer: c,
		logger:    logger.With("component", "worker", "stage", string(stage)),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// claimable reports whether an entity sitting in status may be claimed for
// ev. A processing entity is only taken over by a recovery event once it has
// not moved for StaleAfter.
func (r *runner) claimable(ev events.Event, status, ready string, updatedAt time.Time) bool {
	switch status {
	case ready:
		return true
	case "processing":
		return ev.Recover && r.now().Sub(updatedAt) >= r.cfg.StaleAfter
	default:
		return false
	}
}

func (r *runner) discard(ev events.Event, reason string) {
	r.metrics.StageDiscarded(string(r.stage), reason)
	r.logger.Debug("event discarded", "entity_id", ev.EntityID, "language", ev.Language, "reason", reason)
}

// skip absorbs the store errors that mean "someone else owns this": a lost
// conditioned transition or a vanished entity. Anything else is returned.
func (r *runner) skip(ev events.Event, err error) error {
	switch fault.KindOf(err) {
	case fault.Conflict:
		r.discard(ev, "conflict")
		return nil
	case fault.NotFound:
		r.discard(ev, "not_found")
		return nil
	default:
		return err
	}
}

// call runs a provider call under the stage timeout and records its
// duration. Callers check ctx.Err() afterwards: when the parent context
// ended nothing is recorded and the claim is released.
func (r *runner) call(ctx context.Context, fn func(ctx context.Context) error) error {
	done := r.metrics.StageStarted(string(r.stage))
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && fault.KindOf(err) == fault.Unknown {
		err = fault.Wrap(fault.Provider, "provider_timeout", err)
	}
	if ctx.Err() != nil {
		done("interrupted")
	} else {
		done(string(outcomeOf(err)))
	}
	return err
}

// release hands a claim back after an attempt that settled nothing: the
// parent context ended or the store or blob store failed. undo moves the
// entity from processing back to its ready state, so the bus redelivery of
// ev can claim it again. cause is returned for the bus to act on.
func (r *runner) release(ctx context.Context, ev events.Event, cause error, undo func(ctx context.Context) error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := undo(rctx)
	switch kind := fault.KindOf(err); {
	case err == nil:
		r.logger.Warn("claim released", "entity_id", ev.EntityID, "language", ev.Language, "cause", cause)
	case kind == fault.Conflict || kind == fault.NotFound:
		r.logger.Debug("claim already moved on", "entity_id", ev.EntityID, "language", ev.Language, "error", err)
	default:
		r.logger.Error("releasing claim failed, left for recovery", "entity_id", ev.EntityID, "language", ev.Language, "cause", cause, "error", err)
	}
	return cause
}

// unsettled returns why an attempt recorded nothing: the parent context
// ended, or the store or blob store failed. Provider failures return nil.
func unsettled(ctx context.Context, perr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fault.KindOf(perr) == fault.Transient {
		return perr
	}
	return nil
}

// completed notifies the orchestrator. Its errors are bus failures; the
// follow-on sub-states were already moved to pending, so the reconciler
// re-emits them if the publish is lost.
func (r *runner) completed(ctx context.Context, c orchestrator.Completion) error {
	c.Stage = r.stage
	if err := r.completer.OnStageCompleted(ctx, c); err != nil {
		r.logger.Error("completion follow-up failed", "entity_id", c.EntityID, "language", c.Language, "error", err)
		return err
	}
	return nil
}

// failureOf converts a provider error into the code and message recorded on
// the entity.
func failureOf(err error) (code, message string) {
	code = fault.CodeOf(err)
	if code == "" {
		code = CodeProviderError
	}
	message = err.Error()
	if len(message) > maxFailureMessage {
		message = strings.ToValidUTF8(message[:maxFailureMessage], "")
	}
	return code, message
}

func outcomeOf(err error) orchestrator.Outcome {
	if err != nil {
		return orchestrator.Failed
	}
	return orchestrator.Succeeded
}
