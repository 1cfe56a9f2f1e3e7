// Package transport sends push/pull sync requests over a configured
// channel. The runner treats a Transport as opaque; this package
// provides the provider-neutral HTTP implementation plus the error
// classification the backoff controller relies on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// Transport delivers sync requests to the remote store.
//
// Implementations must honor the context deadline and surface a
// timeout-specific error rather than hang; a dropped connection
// mid-cycle must fail the in-flight call.
type Transport interface {
	Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error)
	Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error)
}

// Error kinds.
const (
	KindTimeout = "timeout"  // request deadline exceeded
	KindNetwork = "network"  // connection failed mid-flight
	KindBadBody = "bad_body" // response body was not JSON
	KindAPI     = "api"      // server-reported error with a reason code
)

// Server-reported reason codes.
const (
	ReasonSchemaMismatch  = "SCHEMA_MISMATCH"
	ReasonUnauthorized    = "UNAUTHORIZED"
	ReasonForbidden       = "FORBIDDEN"
	ReasonRateLimited     = "RATE_LIMITED"
	ReasonInvalidCursor   = "INVALID_CURSOR"
	ReasonValidationError = "VALIDATION_ERROR"
	ReasonInternalError   = "INTERNAL_ERROR"
	ReasonUnavailable     = "UNAVAILABLE"
)

// Error is a classified transport failure.
type Error struct {
	Op         string // "push" or "pull"
	Kind       string
	Reason     string // set for KindAPI
	Message    string
	Status     int           // HTTP status, when applicable
	RetryAfter time.Duration // server-requested delay, zero if absent
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("%s failed: [%s] %s", e.Op, e.Reason, e.Message)
	default:
		return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is eligible for backoff retry.
// Timeouts, network drops, and undecodable bodies always are; API
// errors follow the server's reason code.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindBadBody:
		return true
	case KindAPI:
		switch e.Reason {
		case ReasonRateLimited, ReasonValidationError, ReasonInternalError, ReasonUnavailable:
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a retryable transport failure.
// Contract violations (wire.SchemaError) are never transient.
func IsTransient(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}

// IsInvalidCursor reports whether the server rejected the stored
// cursor. The caller must re-bootstrap (clear the checkpoint) rather
// than retry.
func IsInvalidCursor(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindAPI && te.Reason == ReasonInvalidCursor
}

// IsAuthFailure reports whether the server refused the credentials.
// Fatal until re-auth.
func IsAuthFailure(err error) bool {
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindAPI {
		return false
	}
	return te.Reason == ReasonUnauthorized || te.Reason == ReasonForbidden
}

// IsOffline reports whether the failure indicates the network itself is
// unavailable, as opposed to the server rejecting the request.
func IsOffline(err error) bool {
	var te *Error
	return errors.As(err, &te) && (te.Kind == KindTimeout || te.Kind == KindNetwork)
}

// RetryAfter returns the server-requested retry delay, or zero.
func RetryAfter(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
