// Package gateway sends computed trust scores to the remote evaluation
// service and returns its governance decision.
//
// Failures never escape as panics or bare errors: every call produces
// either a Decision or an *Error describing what went wrong, and the
// local trust score stays valid either way.
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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livenessd/internal/score"
)

// EvaluatePath is appended to the configured base URL.
const EvaluatePath = "/evaluate"

// maxResponseBytes bounds how much of a decision body is read.
const maxResponseBytes = 1 << 20

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindEncode    ErrorKind = "encode"
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindCanceled  ErrorKind = "canceled"
	KindStatus    ErrorKind = "status"
	KindDecode    ErrorKind = "decode"
)

// Error is the structured failure of an evaluation call.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Detail     string    `json:"detail"`
	RequestID  string    `json:"request_id,omitempty"`
	Err        error     `json:"-"`
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError converts any error into a *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindTransport, Detail: err.Error(), Err: err}
}

// Decision is the governance document returned by the gateway. Raw holds
// the body exactly as received and is what gets marshaled back out; the
// typed fields are a best-effort parse for logging and storage.
type Decision struct {
	Raw         json.RawMessage
	RiskLevel   string
	Flags       []string
	Explanation string
	RequestID   string
}

// MarshalJSON emits the decision body unmodified.
func (d Decision) MarshalJSON() ([]byte, error) {
	if len(d.Raw) == 0 {
		return []byte("null"), nil
	}
	return d.Raw, nil
}

// UnmarshalJSON keeps the raw body and parses the known fields.
func (d *Decision) UnmarshalJSON(b []byte) error {
	var known struct {
		RiskLevel   string   `json:"risk_level"`
		Flags       []string `json:"flags"`
		Explanation string   `json:"explanation"`
	}
	if err := json.Unmarshal(b, &known); err != nil {
		return err
	}
	d.Raw = append(json.RawMessage(nil), b...)
	d.RiskLevel = known.RiskLevel
	d.Flags = known.Flags
	d.Explanation = known.Explanation
	return nil
}

// Config configures a Client.
type Config struct {
	URL        string `toml:"url" json:"url" yaml:"url"`
	TimeoutSec int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	UserAgent  string `toml:"user_agent" json:"user_agent" yaml:"user_agent"`
}

// DefaultConfig points at a governance service on localhost.
func DefaultConfig() Config {
	return Config{
		URL:        "http://localhost:8000",
		TimeoutSec: 10,
		UserAgent:  "livenessd",
	}
}

// Client calls the evaluation gateway.
type Client struct {
	endpoint  string
	base      string
	userAgent string
	http      *http.Client

	mu       sync.Mutex
	lastErr  *Error
	lastCall time.Time
}

// New creates a client. An empty URL is rejected.
func New(cfg Config, hc *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway: url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid url %q", cfg.URL)
	}
	if hc == nil {
		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(cfg.URL, "/")
	return &Client{
		endpoint:  base + EvaluatePath,
		base:      base,
		userAgent: cfg.UserAgent,
		http:      hc,
	}, nil
}

// Endpoint returns the evaluation URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Evaluate sends one score and returns the decision. The returned error is
// always an *Error.
func (c *Client) Evaluate(ctx context.Context, sessionID string, r score.Result) (*Decision, error) {
	at := r.ComputedAt
	if at.IsZero() {
		at = time.Now()
	}
	d, err := c.evaluate(ctx, NewPayload(sessionID, r, at))
	c.mu.Lock()
	c.lastCall = time.Now()
	c.lastErr = nil
	if err != nil {
		c.lastErr = AsError(err)
	}
	c.mu.Unlock()
	return d, err
}

func (c *Client) evaluate(ctx context.Context, p Payload) (*Decision, error) {
	requestID := uuid.NewString()

	body, err := json.Marshal(p)
	if err != nil {
		return nil, &Error{Kind: KindEncode, Detail: err.Error(), RequestID: requestID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindEncode, Detail: err.Error(), RequestID: requestID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, err, requestID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err, requestID)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(raw)),
			RequestID:  requestID,
		}
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, &Error{
			Kind:       KindDecode,
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("invalid decision body: %v", err),
			RequestID:  requestID,
			Err:        err,
		}
	}
	d.RequestID = requestID
	return &d, nil
}

func transportError(ctx context.Context, err error, requestID string) *Error {
	kind := KindTransport
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		kind = KindCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Detail: err.Error(), RequestID: requestID, Err: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Ping checks that the gateway answers on its base URL.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway: HTTP %d", resp.StatusCode)
	}
	return nil
}

// LastError returns the failure of the most recent call, or nil if it
// succeeded or no call was made.
func (c *Client) LastError() (*Error, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr, c.lastCall
}
