// Package gateway is the HTTP adapter for the external WhatsApp-compatible
// messaging gateway. It translates sends into gateway calls and gateway
// responses into results or typed failures. It never retries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TransientError is a failure worth retrying: network errors, timeouts,
// 5xx responses and rate limiting.
type TransientError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway transient failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection that will not succeed on retry, typically a
// 4xx for a malformed payload or unknown chat.
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("gateway rejected request (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Result is a successful send.
type Result struct {
	ProviderMessageID string
}

// SessionState is the upstream session state reported by the gateway.
type SessionState string

const (
	SessionStarting SessionState = "STARTING"
	SessionScanQR   SessionState = "SCAN_QR_CODE"
	SessionWorking  SessionState = "WORKING"
	SessionFailed   SessionState = "FAILED"
	SessionStopped  SessionState = "STOPPED"
)

// Status is the gateway's view of the configured session.
type Status struct {
	Session string       `json:"session"`
	State   SessionState `json:"state"`
}

// Healthy reports whether the session can send.
func (s *Status) Healthy() bool {
	return s.State == SessionWorking
}

// Client talks to one gateway session.
type Client struct {
	baseURL string
	session string
	apiKey  string
	http    *http.Client
}

// Config holds the gateway connection settings.
type Config struct {
	BaseURL string
	Session string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a gateway client. A zero Timeout defaults to 15s.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway base url %q", cfg.BaseURL)
	}
	if cfg.Session == "" {
		return nil, errors.New("gateway session is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		session: cfg.Session,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type sendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// sendTextResponse covers the response shapes seen from gateways:
// {"success":true,"id":"..."}, {"id":"..."} and {"key":{"id":"..."}}.
type sendTextResponse struct {
	Success *bool  `json:"success"`
	ID      string `json:"id"`
	Key     *struct {
		ID string `json:"id"`
	} `json:"key"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SendText posts a text message to chatID.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*Result, error) {
	body, err := json.Marshal(sendTextRequest{Session: c.session, ChatID: chatID, Text: text})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendText", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp sendTextResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// The gateway accepted the request but the body is unreadable; the
		// message may already be out, so report success without an id.
		return &Result{}, nil
	}
	if resp.Success != nil && !*resp.Success {
		return nil, &TransientError{Err: fmt.Errorf("gateway reported failure: %s", firstNonEmpty(resp.Error, resp.Message, "unknown"))}
	}
	id := resp.ID
	if id == "" && resp.Key != nil {
		id = resp.Key.ID
	}
	return &Result{ProviderMessageID: id}, nil
}

type statusResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	State  string `json:"state"`
}

// GetStatus reports the upstream session state. It is diagnostic only.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/"+url.PathEscape(c.session)+"/status", nil)
	if err != nil {
		return nil, err
	}
	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	state := firstNonEmpty(resp.Status, resp.State)
	return &Status{
		Session: firstNonEmpty(resp.Name, c.session),
		State:   SessionState(strings.ToUpper(state)),
	}, nil
}

// do executes req and classifies the outcome.
func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(bodySummary(raw))}
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: errors.New(bodySummary(raw))}
	default:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Err: errors.New(bodySummary(raw))}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func bodySummary(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "empty response"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
