// Package connector provides managed-connector adapters used as an
// alternate sync channel: providers exposing an app-data folder style
// object store (list/read/write/remove) instead of a purpose-built sync
// server.
//
// A provider is resolved exactly once at configuration time into a
// Connector value bundling the provider name, its negotiated
// capabilities, and the adapter; nothing re-branches on provider
// strings per call.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capabilities describes what a provider can do, negotiated once when
// the connector is resolved.
type Capabilities struct {
	// SupportsDeltaCursor means listings can resume from an opaque
	// cursor instead of a full re-list.
	SupportsDeltaCursor bool `toml:"supports_delta_cursor"`

	// SupportsETagConditionalWrite means writes can be conditioned on
	// an expected version tag to avoid blind overwrite.
	SupportsETagConditionalWrite bool `toml:"supports_etag_conditional_write"`

	// DefaultPageSize is used when the caller supplies no limit.
	DefaultPageSize int `toml:"default_page_size"`

	// MaxPageSize bounds caller-supplied limits.
	MaxPageSize int `toml:"max_page_size"`
}

// Connector error codes.
const (
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInvalidRequest = "invalid_request"
	CodeUnavailable    = "unavailable"
	CodeUnknown        = "unknown"
)

// Error is a classified connector failure.
type Error struct {
	Code         string
	Message      string
	Status       int   // provider HTTP status, when applicable
	RetryAfterMS int64 // provider-requested delay, zero if absent
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connector error %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("connector error %s: %s", e.Code, e.Message)
}

// Retryable reports whether the operation may be retried after backoff.
func (e *Error) Retryable() bool {
	return e.Code == CodeRateLimited || e.Code == CodeUnavailable
}

// IsRetryable reports whether err is a retryable connector failure.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable()
}

// IsNotFound reports whether err is a connector not_found.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == CodeNotFound
}

// Item is one object in a listing.
type Item struct {
	Key        string    `json:"key"`
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListOptions selects a page of objects.
type ListOptions struct {
	Cursor    string
	Prefix    string
	Limit     int
	TimeoutMS int
}

// ListResult is one page of a listing.
type ListResult struct {
	Items   []Item
	Cursor  string
	HasMore bool
}

// ReadOptions fetches an object, optionally conditional on an etag.
type ReadOptions struct {
	Key       string
	ETag      string // when set, NotModified is returned if it still matches
	TimeoutMS int
}

// ReadResult carries object content, or NotModified.
type ReadResult struct {
	Content     []byte
	ETag        string
	NotModified bool
}

// WriteOptions stores an object, optionally conditional on an etag.
type WriteOptions struct {
	Key         string
	Content     []byte
	IfMatchETag string
	TimeoutMS   int
}

// WriteResult reports the stored object's new etag.
type WriteResult struct {
	ETag string
}

// RemoveOptions deletes an object, optionally conditional on an etag.
type RemoveOptions struct {
	Key         string
	IfMatchETag string
	TimeoutMS   int
}

// Adapter is the raw provider surface. Adapters receive already
// normalized options; normalization happens in Connector.
type Adapter interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Read(ctx context.Context, opts ReadOptions) (*ReadResult, error)
	Write(ctx context.Context, opts WriteOptions) (*WriteResult, error)
	Remove(ctx context.Context, opts RemoveOptions) error
}

// Connector bundles a resolved provider with its capabilities.
type Connector struct {
	Provider     string
	Capabilities Capabilities
	adapter      Adapter
}

// Timeout bounds, milliseconds.
const (
	minTimeoutMS     = 1000
	maxTimeoutMS     = 60000
	defaultTimeoutMS = 15000
)

// normalizeTimeout clamps a caller-supplied timeout into
// [minTimeoutMS, maxTimeoutMS], defaulting when unset.
func normalizeTimeout(ms int) int {
	if ms == 0 {
		return defaultTimeoutMS
	}
	if ms < minTimeoutMS {
		return minTimeoutMS
	}
	if ms > maxTimeoutMS {
		return maxTimeoutMS
	}
	return ms
}

// normalizeLimit clamps a caller-supplied page limit into
// [1, MaxPageSize], defaulting to DefaultPageSize when unset.
func (c *Connector) normalizeLimit(n int) int {
	if n <= 0 {
		n = c.Capabilities.DefaultPageSize
	}
	if n < 1 {
		n = 1
	}
	if max := c.Capabilities.MaxPageSize; max > 0 && n > max {
		n = max
	}
	return n
}

// List returns a page of objects with normalized limit and timeout.
// When the provider lacks delta-cursor support a supplied cursor is
// dropped and the listing restarts from the beginning.
func (c *Connector) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	opts.Limit = c.normalizeLimit(opts.Limit)
	opts.TimeoutMS = normalizeTimeout(opts.TimeoutMS)
	if !c.Capabilities.SupportsDeltaCursor {
		opts.Cursor = ""
	}
	return c.adapter.List(ctx, opts)
}

// Read fetches an object with a normalized timeout.
func (c *Connector) Read(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	opts.TimeoutMS = normalizeTimeout(opts.TimeoutMS)
	return c.adapter.Read(ctx, opts)
}

// Write stores an object with a normalized timeout. A conditional write
// against a provider without etag support fails as invalid_request
// rather than silently overwriting.
func (c *Connector) Write(ctx context.Context, opts WriteOptions) (*WriteResult, error) {
	opts.TimeoutMS = normalizeTimeout(opts.TimeoutMS)
	if opts.IfMatchETag != "" && !c.Capabilities.SupportsETagConditionalWrite {
		return nil, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("provider %s does not support conditional writes", c.Provider),
		}
	}
	return c.adapter.Write(ctx, opts)
}

// Remove deletes an object with a normalized timeout.
func (c *Connector) Remove(ctx context.Context, opts RemoveOptions) error {
	opts.TimeoutMS = normalizeTimeout(opts.TimeoutMS)
	if opts.IfMatchETag != "" && !c.Capabilities.SupportsETagConditionalWrite {
		return &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("provider %s does not support conditional removes", c.Provider),
		}
	}
	return c.adapter.Remove(ctx, opts)
}
