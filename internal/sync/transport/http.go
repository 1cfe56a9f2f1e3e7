package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// HTTPConfig configures the provider-neutral HTTP transport.
type HTTPConfig struct {
	// PushURL and PullURL are the endpoint pair for the two request
	// types. Both are required.
	PushURL string
	PullURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client

	// Logger for request activity. Default: stderr.
	Logger *log.Logger
}

// HTTPTransport is the JSON-over-HTTP transport for the push/pull
// contract.
type HTTPTransport struct {
	config HTTPConfig
	client *http.Client
	logger *log.Logger
}

// NewHTTP creates the HTTP transport.
func NewHTTP(config HTTPConfig) (*HTTPTransport, error) {
	if config.PushURL == "" || config.PullURL == "" {
		return nil, fmt.Errorf("transport requires both push and pull URLs")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &HTTPTransport{config: config, client: client, logger: logger}, nil
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	body, err := t.roundTrip(ctx, "push", t.config.PushURL, req)
	if err != nil {
		return nil, err
	}
	resp, err := wire.ParsePushResponse(body)
	if err != nil {
		// Contract violation: fatal to this call, never retried blindly.
		return nil, err
	}
	return resp, nil
}

// Pull implements Transport.
func (t *HTTPTransport) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	body, err := t.roundTrip(ctx, "pull", t.config.PullURL, req)
	if err != nil {
		return nil, err
	}
	resp, err := wire.ParsePullResponse(body)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// apiErrorBody is the optional error envelope servers may return on
// non-2xx statuses.
type apiErrorBody struct {
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

func (t *HTTPTransport) roundTrip(ctx context.Context, op, url string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &Error{Op: op, Kind: kind, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		kind := KindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &Error{Op: op, Kind: kind, Err: err}
	}

	t.logger.Printf("%s %s -> %d (%v)", op, url, httpResp.StatusCode, time.Since(start).Round(time.Millisecond))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, t.classifyStatus(op, httpResp, body)
	}

	if !json.Valid(body) {
		return nil, &Error{Op: op, Kind: KindBadBody, Status: httpResp.StatusCode,
			Err: fmt.Errorf("response body is not valid JSON")}
	}
	return body, nil
}

// classifyStatus maps a non-2xx response into an API error, preferring
// the server's own reason code when the body carries one.
func (t *HTTPTransport) classifyStatus(op string, resp *http.Response, body []byte) *Error {
	apiErr := &Error{Op: op, Kind: KindAPI, Status: resp.StatusCode}

	var envelope apiErrorBody
	if json.Unmarshal(body, &envelope) == nil && envelope.Reason != "" {
		apiErr.Reason = envelope.Reason
		apiErr.Message = envelope.Message
		apiErr.RetryAfter = time.Duration(envelope.RetryAfterMS) * time.Millisecond
	} else {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			apiErr.Reason = ReasonUnauthorized
		case http.StatusForbidden:
			apiErr.Reason = ReasonForbidden
		case http.StatusTooManyRequests:
			apiErr.Reason = ReasonRateLimited
		case http.StatusBadRequest:
			apiErr.Reason = ReasonValidationError
		case http.StatusServiceUnavailable:
			apiErr.Reason = ReasonUnavailable
		default:
			apiErr.Reason = ReasonInternalError
		}
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if apiErr.RetryAfter == 0 {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return apiErr
}
