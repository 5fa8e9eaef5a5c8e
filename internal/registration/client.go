// Package registration submits validated parent registrations to the school's
// attendance backend.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RizDevStudio/bot/internal/validation"
)

// DefaultTimeout bounds a single registration call.
const DefaultTimeout = 15 * time.Second

// maxResponseBytes caps how much of the response body is read.
const maxResponseBytes = 64 << 10

// duplicateMarkers are substrings of the backend message that mean the NISN
// is already registered.
var duplicateMarkers = []string{"already registered", "sudah terdaftar"}

// Outcome classifies the result of a registration call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDuplicate
	OutcomeAuthFailed
	OutcomeRejected
	OutcomeUnreachable
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Result is what the backend told us about one submission.
type Result struct {
	Outcome    Outcome
	StatusCode int    // 0 when no response was received
	Message    string // backend-provided message, if any
}

// Submitter is the capability the pipeline needs from the backend.
type Submitter interface {
	Submit(ctx context.Context, reg validation.Registration) (Result, error)
}

// request is the JSON body the backend expects.
type request struct {
	NISN       string `json:"nisn"`
	ParentName string `json:"nama_orang_tua"`
	Phone      string `json:"no_hp"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Client posts registrations over HTTP with a bearer token.
type Client struct {
	url     string
	secret  string
	timeout time.Duration
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a Client posting to url.
func NewClient(url, secret string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("registration API URL is required")
	}
	c := &Client{
		url:     url,
		secret:  secret,
		timeout: DefaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if secret == "" {
		slog.Warn("Registration API secret is empty; requests will be sent without authorization")
	}
	return c, nil
}

// Submit posts reg once. No retry is attempted. The returned error is non-nil
// only when no usable response was obtained (OutcomeUnreachable) or the
// request could not be built.
func (c *Client) Submit(ctx context.Context, reg validation.Registration) (Result, error) {
	body, err := json.Marshal(request{
		NISN:       reg.NISN(),
		ParentName: reg.ParentName(),
		Phone:      reg.Phone(),
	})
	if err != nil {
		return Result{Outcome: OutcomeUnknown}, fmt.Errorf("failed to marshal registration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeUnknown}, fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	slog.Debug("Registration: submitting", "nisn", reg.NISN(), "url", c.url)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("Registration: backend unreachable", "nisn", reg.NISN(), "error", err)
		return Result{Outcome: OutcomeUnreachable}, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, StatusCode: resp.StatusCode}, fmt.Errorf("failed to read registration response: %w", err)
	}

	var decoded response
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			slog.Debug("Registration: non-JSON response body", "status", resp.StatusCode, "error", err)
		}
	}

	res := Classify(resp.StatusCode, decoded.Success, decoded.Message)
	slog.Info("Registration: backend responded", "nisn", reg.NISN(), "status", resp.StatusCode, "outcome", res.Outcome.String())
	return res, nil
}

// Classify maps an HTTP status and decoded body to an Outcome. A duplicate
// signal wins over every other classification.
func Classify(status int, success bool, message string) Result {
	res := Result{StatusCode: status, Message: message}
	switch {
	case status == http.StatusConflict || isDuplicateMessage(message):
		res.Outcome = OutcomeDuplicate
	case status >= 200 && status < 300 && success:
		res.Outcome = OutcomeSuccess
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		res.Outcome = OutcomeAuthFailed
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		res.Outcome = OutcomeRejected
	default:
		res.Outcome = OutcomeUnknown
	}
	return res
}

func isDuplicateMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range duplicateMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
