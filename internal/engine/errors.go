package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/ollama"
	"github.com/kalambet/jobpipe/internal/openrouter"
)

// Provider failure codes recorded on entities.
const (
	CodeTimeout     = "provider_timeout"
	CodeRejected    = "provider_rejected"
	CodeRateLimited = "provider_rate_limited"
	CodeUnavailable = "provider_unavailable"
	CodeMalformed   = "malformed_response"
)

// classify turns a backend error into a fault.Provider error with a stable
// code. Cancellation of the parent context is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Provider, CodeTimeout, err)
	}

	var rl *openrouter.RateLimitError
	if errors.As(err, &rl) {
		return fault.Wrap(fault.Provider, CodeRateLimited, err)
	}

	status := 0
	var ose *openrouter.StatusError
	var lse *ollama.StatusError
	switch {
	case errors.As(err, &ose):
		status = ose.StatusCode
	case errors.As(err, &lse):
		status = lse.StatusCode
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fault.Wrap(fault.Provider, CodeTimeout, err)
	case status >= 400 && status < 500:
		return fault.Wrap(fault.Provider, CodeRejected, err)
	default:
		return fault.Wrap(fault.Provider, CodeUnavailable, err)
	}
}

// Malformed reports a reply that could not be parsed into the expected shape.
func Malformed(err error) error {
	return fault.Wrap(fault.Provider, CodeMalformed, err)
}
