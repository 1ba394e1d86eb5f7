package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kr8tiv/mission-control/internal/continuity"
	"github.com/kr8tiv/mission-control/pkg/config"
	"github.com/kr8tiv/mission-control/pkg/errors"
	"github.com/kr8tiv/mission-control/pkg/metrics"
	"github.com/kr8tiv/mission-control/pkg/resilience"
	"github.com/kr8tiv/mission-control/pkg/types"
)

const (
	rpcPath            = "/rpc"
	methodSessionsList = "sessions.list"
	maxResponseBytes   = 4 << 20
)

// Client calls the runtime gateway RPC endpoint
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	guards     *resilience.GuardSet
	metrics    *metrics.Metrics
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics counts gateway calls by outcome
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a gateway client. Each gateway gets its own circuit breaker.
func NewClient(cfg config.GatewayConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.InitialDelay = 250 * time.Millisecond
	retry.MaxDelay = 2 * time.Second
	retry.RetryableErrors = isRetryable

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		guards: resilience.NewGuardSet(resilience.CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
		}, retry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *rpcError       `json:"error"`
}

type sessionEntry struct {
	Key       string          `json:"key"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
}

// FetchRuntimeSessions lists the gateway's live sessions with their last activity
func (c *Client) FetchRuntimeSessions(ctx context.Context, gw *types.Gateway) (continuity.RuntimeSessions, error) {
	if gw == nil || strings.TrimSpace(gw.URL) == "" {
		return nil, errors.NewValidationError("gateway URL is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload json.RawMessage
	err := c.guards.Get(gw.ID.String()).Do(ctx, func(ctx context.Context) error {
		var callErr error
		payload, callErr = c.call(ctx, gw, methodSessionsList)
		return callErr
	})
	if err != nil {
		c.metrics.RecordGatewayRequest("error")
		return nil, err
	}

	sessions, err := ParseSessions(payload)
	if err != nil {
		c.metrics.RecordGatewayRequest("malformed")
		return nil, errors.NewGatewayError(gw.ID.String(), "malformed sessions.list payload").WithCause(err)
	}

	c.metrics.RecordGatewayRequest("ok")
	return sessions, nil
}

// FetchRuntimeSessionKeys returns only the live session identifiers
func (c *Client) FetchRuntimeSessionKeys(ctx context.Context, gw *types.Gateway) (map[string]struct{}, error) {
	sessions, err := c.FetchRuntimeSessions(ctx, gw)
	if err != nil {
		return nil, err
	}
	return sessions.Keys(), nil
}

func (c *Client) call(ctx context.Context, gw *types.Gateway, method string) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		ID:     uuid.New().String(),
		Method: method,
		Params: map[string]interface{}{},
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode gateway request").WithCause(err)
	}

	endpoint := strings.TrimRight(gw.URL, "/") + rpcPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewValidationError("invalid gateway URL").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if gw.Token != "" {
		req.Header.Set("Authorization", "Bearer "+gw.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("gateway " + method).WithCause(err)
		}
		return nil, errors.NewGatewayError(gw.ID.String(), "gateway request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewGatewayError(gw.ID.String(), "failed to read gateway response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewGatewayError(gw.ID.String(), fmt.Sprintf("gateway returned status %d", resp.StatusCode)).
			WithDetail("status_code", strconv.Itoa(resp.StatusCode))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errors.NewGatewayError(gw.ID.String(), "gateway response is not JSON").WithCause(err)
	}
	if envelope.Error != nil || (envelope.OK != nil && !*envelope.OK) {
		msg := "gateway rejected " + method
		if envelope.Error != nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return nil, errors.NewGatewayError(gw.ID.String(), msg)
	}
	return envelope.Payload, nil
}

// isRetryable retries transport failures and 5xx answers, not 4xx
func isRetryable(err error) bool {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if code, ok := appErr.Details["status_code"]; ok {
			status, _ := strconv.Atoi(code)
			return status >= 500 || status == http.StatusTooManyRequests
		}
	}
	return resilience.DefaultRetryableErrors(err)
}

// ParseSessions decodes a sessions.list payload, either {"sessions": [...]} or a bare list.
// Entries without a usable key are skipped.
func ParseSessions(payload json.RawMessage) (continuity.RuntimeSessions, error) {
	sessions := continuity.RuntimeSessions{}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return sessions, nil
	}

	var entries []json.RawMessage
	switch trimmed[0] {
	case '{':
		var wrapper struct {
			Sessions json.RawMessage `json:"sessions"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, err
		}
		if len(wrapper.Sessions) == 0 || wrapper.Sessions[0] != '[' {
			return sessions, nil
		}
		if err := json.Unmarshal(wrapper.Sessions, &entries); err != nil {
			return nil, err
		}
	case '[':
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
	default:
		return sessions, nil
	}

	for _, rawEntry := range entries {
		var entry sessionEntry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			continue
		}
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		sessions[key] = parseUpdatedAt(entry.UpdatedAt)
	}
	return sessions, nil
}

// parseUpdatedAt accepts epoch milliseconds, epoch seconds or an ISO-8601 string
func parseUpdatedAt(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		if number > 1_000_000_000_000 {
			number /= 1000
		}
		if number <= 0 {
			return nil
		}
		sec := int64(number)
		t := time.Unix(sec, int64((number-float64(sec))*1e9)).UTC()
		return &t
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, text); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
