// Package wire defines the push/pull sync contract shared between the
// client engine and the remote store.
//
// Everything in this package is a pure function over bytes and structs:
// building requests and parsing responses never touches the network or
// the local database. That keeps the contract testable on its own and
// lets the transport layer stay a dumb pipe.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity types that participate in sync.
const (
	EntityTask     = "TASK"
	EntityProject  = "PROJECT"
	EntitySubtask  = "TASK_SUBTASK"
	EntityTemplate = "TASK_TEMPLATE"
	EntitySetting  = "SETTING"
)

// Operations carried by a change.
const (
	OpUpsert = "UPSERT"
	OpDelete = "DELETE"
)

// Change is one logical mutation on the wire. The same shape is used for
// pushed local changes and pulled remote changes.
type Change struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Operation       string          `json:"operation"`
	UpdatedAt       time.Time       `json:"updated_at"`
	UpdatedByDevice string          `json:"updated_by_device"`
	SyncVersion     int             `json:"sync_version"`
	Payload         json.RawMessage `json:"payload"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

// PushRequest is the body sent to the push endpoint.
type PushRequest struct {
	DeviceID   string   `json:"device_id"`
	BaseCursor *string  `json:"base_cursor"`
	Changes    []Change `json:"changes"`
}

// Rejection is one rejected entry in a push response.
type Rejection struct {
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
	Message        string `json:"message"`
}

// PushResponse is the parsed body of a push response.
type PushResponse struct {
	Accepted     []string    `json:"accepted"`
	Rejected     []Rejection `json:"rejected"`
	ServerCursor string      `json:"server_cursor"`
	ServerTime   time.Time   `json:"server_time"`
}

// PullRequest is the body sent to the pull endpoint.
type PullRequest struct {
	DeviceID string  `json:"device_id"`
	Cursor   *string `json:"cursor"`
}

// PullResponse is the parsed body of a pull response page.
type PullResponse struct {
	ServerCursor string    `json:"server_cursor"`
	ServerTime   time.Time `json:"server_time"`
	HasMore      bool      `json:"has_more"`
	Changes      []Change  `json:"changes"`
}

// SchemaError reports a response or request that does not match the
// contract. Contract violations are fatal to the current call and are
// never coerced into a best-effort value.
type SchemaError struct {
	Context string // "push request", "pull response", ...
	Field   string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: field %q %s", e.Context, e.Field, e.Reason)
}

// Key derives the idempotency key for a logical mutation. The key is a
// deterministic function of its inputs so that retries of the same
// mutation always carry the same key, and the server can de-duplicate.
func Key(deviceID, entityID, operation string, changeSeq int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", deviceID, entityID, operation, changeSeq)
}

// BuildPushRequest assembles a push request. deviceID must be non-empty
// and every change must already carry an idempotency key scoped to this
// device (keys are minted by the outbox at enqueue time, see Key).
func BuildPushRequest(deviceID string, baseCursor *string, changes []Change) (*PushRequest, error) {
	if deviceID == "" {
		return nil, &SchemaError{Context: "push request", Field: "device_id", Reason: "is empty"}
	}
	for i, c := range changes {
		if c.IdempotencyKey == "" {
			return nil, &SchemaError{
				Context: "push request",
				Field:   fmt.Sprintf("changes[%d].idempotency_key", i),
				Reason:  "is empty",
			}
		}
		if c.Operation != OpUpsert && c.Operation != OpDelete {
			return nil, &SchemaError{
				Context: "push request",
				Field:   fmt.Sprintf("changes[%d].operation", i),
				Reason:  fmt.Sprintf("has unknown value %q", c.Operation),
			}
		}
	}
	return &PushRequest{DeviceID: deviceID, BaseCursor: baseCursor, Changes: changes}, nil
}

// BuildPullRequest assembles a pull request for the given cursor.
// A nil cursor asks the server for everything from the beginning.
func BuildPullRequest(deviceID string, cursor *string) (*PullRequest, error) {
	if deviceID == "" {
		return nil, &SchemaError{Context: "pull request", Field: "device_id", Reason: "is empty"}
	}
	return &PullRequest{DeviceID: deviceID, Cursor: cursor}, nil
}

// ParsePushResponse validates and decodes a raw push response body.
func ParsePushResponse(raw []byte) (*PushResponse, error) {
	obj, err := decodeObject(raw, "push response")
	if err != nil {
		return nil, err
	}

	resp := &PushResponse{}

	accepted, err := requireArray(obj, "push response", "accepted")
	if err != nil {
		return nil, err
	}
	for i, v := range accepted {
		s, ok := v.(string)
		if !ok {
			return nil, &SchemaError{
				Context: "push response",
				Field:   fmt.Sprintf("accepted[%d]", i),
				Reason:  "is not a string",
			}
		}
		resp.Accepted = append(resp.Accepted, s)
	}

	rejected, err := requireArray(obj, "push response", "rejected")
	if err != nil {
		return nil, err
	}
	for i, v := range rejected {
		entry, ok := v.(map[string]any)
		if !ok {
			return nil, &SchemaError{
				Context: "push response",
				Field:   fmt.Sprintf("rejected[%d]", i),
				Reason:  "is not an object",
			}
		}
		var rej Rejection
		if rej.IdempotencyKey, err = requireString(entry, "push response", fmt.Sprintf("rejected[%d].idempotency_key", i)); err != nil {
			return nil, err
		}
		if rej.Reason, err = requireString(entry, "push response", fmt.Sprintf("rejected[%d].reason", i)); err != nil {
			return nil, err
		}
		if rej.Message, err = requireString(entry, "push response", fmt.Sprintf("rejected[%d].message", i)); err != nil {
			return nil, err
		}
		resp.Rejected = append(resp.Rejected, rej)
	}

	if resp.ServerCursor, err = requireString(obj, "push response", "server_cursor"); err != nil {
		return nil, err
	}
	if resp.ServerTime, err = requireTime(obj, "push response", "server_time"); err != nil {
		return nil, err
	}

	return resp, nil
}

// ParsePullResponse validates and decodes a raw pull response body.
func ParsePullResponse(raw []byte) (*PullResponse, error) {
	obj, err := decodeObject(raw, "pull response")
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{}

	if resp.ServerCursor, err = requireString(obj, "pull response", "server_cursor"); err != nil {
		return nil, err
	}
	if resp.ServerTime, err = requireTime(obj, "pull response", "server_time"); err != nil {
		return nil, err
	}

	hasMore, ok := obj["has_more"]
	if !ok {
		return nil, &SchemaError{Context: "pull response", Field: "has_more", Reason: "is missing"}
	}
	b, ok := hasMore.(bool)
	if !ok {
		return nil, &SchemaError{Context: "pull response", Field: "has_more", Reason: "is not a boolean"}
	}
	resp.HasMore = b

	rawChanges, ok := obj["changes"]
	if !ok {
		return nil, &SchemaError{Context: "pull response", Field: "changes", Reason: "is missing"}
	}
	// Re-encode just the changes array and decode it strictly into the
	// Change struct so payloads stay raw JSON.
	encoded, err := json.Marshal(rawChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode changes: %w", err)
	}
	if err := json.Unmarshal(encoded, &resp.Changes); err != nil {
		return nil, &SchemaError{Context: "pull response", Field: "changes", Reason: "is not a change array"}
	}
	for i, c := range resp.Changes {
		if c.IdempotencyKey == "" {
			return nil, &SchemaError{
				Context: "pull response",
				Field:   fmt.Sprintf("changes[%d].idempotency_key", i),
				Reason:  "is empty",
			}
		}
		if c.Operation != OpUpsert && c.Operation != OpDelete {
			return nil, &SchemaError{
				Context: "pull response",
				Field:   fmt.Sprintf("changes[%d].operation", i),
				Reason:  fmt.Sprintf("has unknown value %q", c.Operation),
			}
		}
	}

	return resp, nil
}

func decodeObject(raw []byte, context string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &SchemaError{Context: context, Field: "(body)", Reason: "is not a JSON object"}
	}
	return obj, nil
}

func requireString(obj map[string]any, context, field string) (string, error) {
	v, ok := lookup(obj, field)
	if !ok {
		return "", &SchemaError{Context: context, Field: field, Reason: "is missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &SchemaError{Context: context, Field: field, Reason: "is not a string"}
	}
	return s, nil
}

func requireTime(obj map[string]any, context, field string) (time.Time, error) {
	s, err := requireString(obj, context, field)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &SchemaError{Context: context, Field: field, Reason: "is not an RFC 3339 timestamp"}
	}
	return t, nil
}

func requireArray(obj map[string]any, context, field string) ([]any, error) {
	v, ok := lookup(obj, field)
	if !ok {
		return nil, &SchemaError{Context: context, Field: field, Reason: "is missing"}
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &SchemaError{Context: context, Field: field, Reason: "is not an array"}
	}
	return arr, nil
}

// lookup resolves a possibly-nested field name. Only the leaf name is
// used for map access; the dotted form exists for error messages.
func lookup(obj map[string]any, field string) (any, bool) {
	name := field
	for i := len(field) - 1; i >= 0; i-- {
		if field[i] == '.' {
			name = field[i+1:]
			break
		}
	}
	v, ok := obj[name]
	return v, ok
}
