// Package tts synthesizes one-shot speech through the ElevenLabs
// text-to-speech API. Audio comes back as 16 kHz mono PCM, ready for a
// bridge session's output pipeline.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/discord-voice-lab/convai-bridge/internal/logging"
)

const (
	DefaultBaseURL      = "https://api.elevenlabs.io"
	DefaultModelID      = "eleven_turbo_v2_5"
	DefaultOutputFormat = "pcm_16000"
)

var ErrNotConfigured = errors.New("tts: client not configured")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts: returned status %d", e.Status)
	}
	return fmt.Sprintf("tts: returned status %d: %s", e.Status, e.Body)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client performs text to audio synthesis.
type Client struct {
	BaseURL   string
	APIKey    string
	VoiceID   string
	ModelID   string
	Client    *http.Client
	TimeoutMs int
	Attempts  int
	// RetryDelay is the first retry delay; it doubles per attempt.
	RetryDelay time.Duration
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// Synthesize returns 16 kHz mono PCM for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c == nil || c.APIKey == "" || c.VoiceID == "" {
		return nil, ErrNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: empty text")
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	model := c.ModelID
	if model == "" {
		model = DefaultModelID
	}
	body, _ := json.Marshal(synthesisRequest{Text: text, ModelID: model})

	timeout := 10000
	if c.TimeoutMs > 0 {
		timeout = c.TimeoutMs
	}
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	header := http.Header{}
	header.Set("xi-api-key", c.APIKey)
	header.Set("Accept", "audio/pcm")

	pcm, err := PostWithRetries(ctx, c.Client, endpoint, body, header, timeout, attempts, c.RetryDelay)
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "voice_id", c.VoiceID)
		return nil, err
	}
	logging.Infow("tts: synthesized", "voice_id", c.VoiceID, "bytes", len(pcm), "chars", len(text))
	return pcm, nil
}

func (c *Client) endpoint() (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/text-to-speech/" + url.PathEscape(c.VoiceID))
	if err != nil {
		return "", fmt.Errorf("tts: base url: %w", err)
	}
	q := u.Query()
	q.Set("output_format", DefaultOutputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PostWithRetries posts a JSON body and returns the response body of the
// first 2xx answer. Transport errors, 429 and 5xx are retried with a delay
// that starts at retryDelay (200ms when zero) and doubles.
func PostWithRetries(ctx context.Context, client *http.Client, url string, body []byte, header http.Header, timeoutMs int, attempts int, retryDelay time.Duration) ([]byte, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(1<<(i-1))):
			}
		}
		out, err := postOnce(ctx, client, url, body, header, timeoutMs)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		logging.Debugw("postWithRetries: POST attempt failed", "attempt", i+1, "err", err)
	}
	return nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, header http.Header, timeoutMs int) ([]byte, error) {
	ctxReq, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctxReq, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: msg}
	}
	return data, nil
}
