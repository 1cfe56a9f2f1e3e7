package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// changePrefix is the app-data folder holding per-device change logs.
const changePrefix = "changes/"

// FolderTransport adapts a managed connector into the push/pull
// contract. There is no sync server behind it: each device appends
// change-log objects under changes/ and pulls merge the peers' logs.
//
// The wire cursor for this channel is the key of the last consumed
// object; object keys embed a nanosecond timestamp so they sort in
// write order.
type FolderTransport struct {
	conn   *Connector
	logger *log.Logger
}

// NewFolderTransport creates a transport over a resolved connector.
func NewFolderTransport(conn *Connector, logger *log.Logger) *FolderTransport {
	if logger == nil {
		logger = log.New(os.Stderr, "[connector] ", log.LstdFlags)
	}
	return &FolderTransport{conn: conn, logger: logger}
}

// changeLog is the object body written on push.
type changeLog struct {
	DeviceID string        `json:"device_id"`
	PushedAt time.Time     `json:"pushed_at"`
	Changes  []wire.Change `json:"changes"`
}

// Push appends the batch as one change-log object. A folder store does
// no central validation, so every change is accepted and the cursor is
// unchanged: the pushed object is skipped on pull by device id, not by
// cursor position.
func (t *FolderTransport) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	body, err := json.Marshal(changeLog{
		DeviceID: req.DeviceID,
		PushedAt: time.Now(),
		Changes:  req.Changes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode change log: %w", err)
	}

	key := fmt.Sprintf("%s%020d-%s.json", changePrefix, time.Now().UnixNano(), req.DeviceID)
	if _, err := t.conn.Write(ctx, WriteOptions{Key: key, Content: body}); err != nil {
		return nil, fmt.Errorf("failed to write change log: %w", err)
	}
	t.logger.Printf("pushed %d changes as %s", len(req.Changes), key)

	resp := &wire.PushResponse{
		ServerCursor: cursorOrStart(req.BaseCursor),
		ServerTime:   time.Now().UTC(),
	}
	for _, c := range req.Changes {
		resp.Accepted = append(resp.Accepted, c.IdempotencyKey)
	}
	return resp, nil
}

// Pull lists change-log objects past the cursor watermark, reads one
// page worth, and merges their changes. The requesting device's own
// logs advance the watermark but contribute no changes.
func (t *FolderTransport) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	watermark := cursorOrStart(req.Cursor)

	keys, err := t.listNewKeys(ctx, watermark)
	if err != nil {
		return nil, err
	}

	pageSize := t.conn.Capabilities.DefaultPageSize
	if pageSize < 1 {
		pageSize = 100
	}
	hasMore := len(keys) > pageSize
	if hasMore {
		keys = keys[:pageSize]
	}

	resp := &wire.PullResponse{
		ServerCursor: watermark,
		ServerTime:   time.Now().UTC(),
		HasMore:      hasMore,
	}
	for _, key := range keys {
		read, err := t.conn.Read(ctx, ReadOptions{Key: key})
		if err != nil {
			return nil, fmt.Errorf("failed to read change log %s: %w", key, err)
		}

		var entry changeLog
		if err := json.Unmarshal(read.Content, &entry); err != nil {
			return nil, fmt.Errorf("corrupt change log %s: %w", key, err)
		}
		if entry.DeviceID != req.DeviceID {
			resp.Changes = append(resp.Changes, entry.Changes...)
		}
		resp.ServerCursor = key
	}

	return resp, nil
}

// listNewKeys walks the provider listing and returns change-log keys
// lexically after the watermark, sorted ascending.
func (t *FolderTransport) listNewKeys(ctx context.Context, watermark string) ([]string, error) {
	var keys []string
	cursor := ""
	for {
		page, err := t.conn.List(ctx, ListOptions{Prefix: changePrefix, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("failed to list change logs: %w", err)
		}
		for _, item := range page.Items {
			if item.Key > watermark {
				keys = append(keys, item.Key)
			}
		}
		if !page.HasMore || !t.conn.Capabilities.SupportsDeltaCursor {
			break
		}
		cursor = page.Cursor
	}
	sort.Strings(keys)
	return keys, nil
}

// cursorOrStart maps a nil wire cursor onto the watermark that sorts
// before every change-log key.
func cursorOrStart(cursor *string) string {
	if cursor == nil || *cursor == "" {
		return changePrefix
	}
	return *cursor
}
