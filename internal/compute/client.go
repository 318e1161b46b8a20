package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "panchcal/internal/log"
	"panchcal/internal/model"
)

// DefaultFailureMessage is reported when the service gives no usable reason.
const DefaultFailureMessage = "Failed to calculate panchanga"

// ErrComputationFailed matches every *Error via errors.Is.
var ErrComputationFailed = errors.New("computation failed")

// Error is a failed computation. Message is safe to show to users.
type Error struct {
	Message    string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrComputationFailed }

// Config configures a Client.
type Config struct {
	// Endpoint is the full URL of the computation endpoint.
	Endpoint string
	Timeout  time.Duration
}

// Client submits computation requests to the remote panchanga service.
// Every Compute call issues exactly one HTTP request; there are no retries.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a new computation client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Compute posts req and returns the decoded, unvalidated response. Failures
// are *Error values carrying a user-facing message.
func (c *Client) Compute(ctx context.Context, req model.ComputationRequest) (*RawResponse, error) {
	if c.endpoint == "" {
		return nil, &Error{Message: DefaultFailureMessage, Err: errors.New("computation endpoint is empty")}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Message: DefaultFailureMessage, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Message: DefaultFailureMessage, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	appLog.Info("panchanga compute start",
		"url", appLog.RedactURL(c.endpoint),
		"instant", req.Instant.UTC().Format(time.RFC3339),
		"city", req.Location.City,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: DefaultFailureMessage, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Message: DefaultFailureMessage, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := failureMessage(body)
		appLog.Error("panchanga compute non-OK", errors.New(resp.Status), "status", resp.StatusCode, "message", msg)
		return nil, &Error{Message: msg, StatusCode: resp.StatusCode}
	}

	var raw RawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Message: DefaultFailureMessage, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	appLog.Info("panchanga compute success", "status", resp.StatusCode, "bytes", len(body))
	return &raw, nil
}

// failureMessage extracts the reason from an error body: "error" first,
// then "detail", else DefaultFailureMessage.
func failureMessage(body []byte) string {
	var eb struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		return DefaultFailureMessage
	}
	if msg := reasonText(eb.Error); msg != "" {
		return msg
	}
	if msg := reasonText(eb.Detail); msg != "" {
		return msg
	}
	return DefaultFailureMessage
}

// reasonText renders a reason field. Strings are used as-is; lists of
// validation items ({"msg": ...}) are joined.
func reasonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if json.Unmarshal(raw, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message)
	}
	return ""
}
