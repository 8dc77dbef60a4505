package engine

import (
	"context"
	"fmt"
	"io"
)

type modelChecker interface {
	HasModel(ctx context.Context) bool
}

type modelPuller interface {
	PullModel(ctx context.Context, onProgress func(PullProgress)) error
}

// EnsureReady checks that the Engine is reachable and its model available.
// Backends that can download models pull a missing one, writing progress to w.
func EnsureReady(ctx context.Context, e Engine, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("chat backend is not reachable")
	}
	mc, ok := e.(modelChecker)
	if !ok || mc.HasModel(ctx) {
		return nil
	}
	mp, ok := e.(modelPuller)
	if !ok {
		return fmt.Errorf("configured model is not available")
	}

	fmt.Fprintln(w, "model: pulling...")
	err := mp.PullModel(ctx, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model: %w", err)
	}
	fmt.Fprintln(w, "model: ready")
	return nil
}
