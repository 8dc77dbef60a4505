// Package notify tells users over Telegram that a stage they are waiting on
// has finished. Delivery is best effort: failures are retried a few times
// and then logged, never surfaced to the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	maxMessageLen  = 4096
)

// Sender delivers a text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Nop drops every message. It stands in when no bot token is configured.
type Nop struct{}

func (Nop) Send(context.Context, string, string) error { return nil }

// APIError is a non-ok reply from the Bot API.
type APIError struct {
	StatusCode  int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: status %d: %s", e.StatusCode, e.Description)
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Telegram struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTelegram returns a Bot API client. An empty baseURL means the public API.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Telegram{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts text to chatID via sendMessage. Rate limits and server errors
// are retried with exponential backoff, or after the advertised retry_after.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen-1]) + "…"
	}
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	var lastErr error
	for attempt := range maxAttempts {
		err := t.send(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		apiErr, ok := err.(*APIError)
		if ok && !apiErr.retryable() {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
		if ok && apiErr.RetryAfter > 0 {
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("sending after %d attempts: %w", maxAttempts, lastErr)
}

func (t *Telegram) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/bot"+t.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	var out apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Description: desc, RetryAfter: out.Parameters.RetryAfter}
	}
	return nil
}
