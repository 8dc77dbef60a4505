// Package speech is a client for OpenAI-compatible speech-to-text APIs
// (POST /audio/transcriptions).
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/kalambet/jobpipe/internal/engine"
	"github.com/kalambet/jobpipe/internal/fault"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// Audio is the input to a transcription request.
type Audio struct {
	Body     io.Reader
	Filename string
	MIME     string
	Language string
}

// Result is the recognized text plus the provider and model that produced it.
type Result struct {
	Text     string
	Provider string
	Model    string
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	provider   string
	httpClient *http.Client
}

// New creates a client. An empty baseURL means the OpenAI API.
func New(apiKey, baseURL, model string) *Client {
	provider := "openai"
	if baseURL == "" {
		baseURL = DefaultBaseURL
	} else if !strings.Contains(baseURL, "api.openai.com") {
		provider = "speech"
	}
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		provider:   provider,
		httpClient: &http.Client{},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio and returns the recognized text. Errors are
// *fault.Error values of kind Provider, except cancellation of ctx.
func (c *Client) Transcribe(ctx context.Context, a Audio) (Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := a.Filename
	if filename == "" {
		filename = "audio"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if a.MIME != "" {
		h.Set("Content-Type", a.MIME)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return Result{}, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, a.Body); err != nil {
		return Result{}, fmt.Errorf("reading audio: %w", err)
	}
	mw.WriteField("model", c.model)
	mw.WriteField("response_format", "json")
	if a.Language != "" {
		// the API takes ISO-639-1, so "pt-BR" becomes "pt"
		lang, _, _ := strings.Cut(a.Language, "-")
		mw.WriteField("language", lang)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, engine.Malformed(fmt.Errorf("decoding transcription: %w", err))
	}
	return Result{Text: strings.TrimSpace(out.Text), Provider: c.provider, Model: c.model}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Provider, engine.CodeTimeout, err)
	}
	return fault.Wrap(fault.Provider, engine.CodeUnavailable, err)
}

func statusError(status int, body string) error {
	err := fmt.Errorf("speech API returned %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return fault.Wrap(fault.Provider, engine.CodeRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fault.Wrap(fault.Provider, engine.CodeTimeout, err)
	case status >= 400 && status < 500:
		return fault.Wrap(fault.Provider, engine.CodeRejected, err)
	default:
		return fault.Wrap(fault.Provider, engine.CodeUnavailable, err)
	}
}
