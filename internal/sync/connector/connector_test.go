package connector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

func memoryConnector(t *testing.T) *Connector {
	t.Helper()

	conn, err := Resolve(Config{Provider: ProviderMemory})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return conn
}

func TestNormalizeTimeout(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 15000},
		{500, 1000},
		{1000, 1000},
		{30000, 30000},
		{90000, 60000},
	}
	for _, tt := range tests {
		if got := normalizeTimeout(tt.in); got != tt.want {
			t.Errorf("normalizeTimeout(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	conn := &Connector{Capabilities: Capabilities{DefaultPageSize: 100, MaxPageSize: 500}}

	tests := []struct {
		in   int
		want int
	}{
		{0, 100},
		{-3, 100},
		{1, 1},
		{250, 250},
		{9999, 500},
	}
	for _, tt := range tests {
		if got := conn.normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	if _, err := Resolve(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := Resolve(Config{Provider: ProviderAppData}); err == nil {
		t.Error("expected error for app-data provider without base URL")
	}
}

func TestCapabilityOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.toml")
	override := `
[capabilities]
supports_delta_cursor = false
max_page_size = 200
`
	if err := os.WriteFile(path, []byte(override), 0644); err != nil {
		t.Fatalf("failed to write override file: %v", err)
	}

	conn, err := Resolve(Config{Provider: ProviderMemory, CapabilityFile: path})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if conn.Capabilities.SupportsDeltaCursor {
		t.Error("delta cursor override not applied")
	}
	if conn.Capabilities.MaxPageSize != 200 {
		t.Errorf("max page size = %d, want 200", conn.Capabilities.MaxPageSize)
	}
	// Untouched keys keep provider defaults.
	if conn.Capabilities.DefaultPageSize != 100 {
		t.Errorf("default page size = %d, want provider default 100", conn.Capabilities.DefaultPageSize)
	}
	if !conn.Capabilities.SupportsETagConditionalWrite {
		t.Error("etag capability should keep its provider default")
	}
}

func TestMemoryConditionalWrite(t *testing.T) {
	conn := memoryConnector(t)
	ctx := context.Background()

	first, err := conn.Write(ctx, WriteOptions{Key: "notes/a.json", Content: []byte(`{"v":1}`)})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Conditional write with the current etag succeeds.
	second, err := conn.Write(ctx, WriteOptions{
		Key: "notes/a.json", Content: []byte(`{"v":2}`), IfMatchETag: first.ETag,
	})
	if err != nil {
		t.Fatalf("conditional Write failed: %v", err)
	}

	// A stale etag is a conflict, not a blind overwrite.
	_, err = conn.Write(ctx, WriteOptions{
		Key: "notes/a.json", Content: []byte(`{"v":3}`), IfMatchETag: first.ETag,
	})
	ce, ok := err.(*Error)
	if !ok || ce.Code != CodeConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if ce.Retryable() {
		t.Error("etag conflicts are not retryable")
	}

	read, err := conn.Read(ctx, ReadOptions{Key: "notes/a.json"})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(read.Content) != `{"v":2}` {
		t.Errorf("content = %s, want v2", read.Content)
	}
	if read.ETag != second.ETag {
		t.Errorf("etag = %s, want %s", read.ETag, second.ETag)
	}
}

func TestMemoryReadNotModified(t *testing.T) {
	conn := memoryConnector(t)
	ctx := context.Background()

	w, err := conn.Write(ctx, WriteOptions{Key: "k", Content: []byte("x")})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	read, err := conn.Read(ctx, ReadOptions{Key: "k", ETag: w.ETag})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !read.NotModified {
		t.Error("expected not_modified for matching etag")
	}
	if read.Content != nil {
		t.Error("not_modified read should carry no content")
	}
}

func TestConditionalWriteWithoutCapability(t *testing.T) {
	conn := &Connector{
		Provider:     "limited",
		Capabilities: Capabilities{DefaultPageSize: 10, MaxPageSize: 10},
		adapter:      NewMemory(),
	}

	_, err := conn.Write(context.Background(), WriteOptions{
		Key: "k", Content: []byte("x"), IfMatchETag: "v1",
	})
	ce, ok := err.(*Error)
	if !ok || ce.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestMemoryListPagination(t *testing.T) {
	conn := memoryConnector(t)
	ctx := context.Background()

	for _, k := range []string{"changes/1", "changes/2", "changes/3", "other/x"} {
		if _, err := conn.Write(ctx, WriteOptions{Key: k, Content: []byte("c")}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	page, err := conn.List(ctx, ListOptions{Prefix: "changes/", Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("page 1 = %d items, has_more=%v", len(page.Items), page.HasMore)
	}

	page2, err := conn.List(ctx, ListOptions{Prefix: "changes/", Limit: 2, Cursor: page.Cursor})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page2.Items) != 1 || page2.HasMore {
		t.Fatalf("page 2 = %d items, has_more=%v", len(page2.Items), page2.HasMore)
	}
	if page2.Items[0].Key != "changes/3" {
		t.Errorf("page 2 item = %s, want changes/3", page2.Items[0].Key)
	}
}

func TestFolderTransportRoundTrip(t *testing.T) {
	conn := memoryConnector(t)
	tr := NewFolderTransport(conn, nil)
	ctx := context.Background()

	// Device B pushes a change into the shared folder.
	pushReq, err := wire.BuildPushRequest("device-b", nil, []wire.Change{{
		EntityType:      wire.EntityTask,
		EntityID:        "task-7",
		Operation:       wire.OpUpsert,
		UpdatedAt:       time.Now().UTC(),
		UpdatedByDevice: "device-b",
		SyncVersion:     1,
		Payload:         json.RawMessage(`{"title":"From B"}`),
		IdempotencyKey:  wire.Key("device-b", "task-7", wire.OpUpsert, 1),
	}})
	if err != nil {
		t.Fatalf("BuildPushRequest failed: %v", err)
	}
	pushResp, err := tr.Push(ctx, pushReq)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(pushResp.Accepted) != 1 {
		t.Fatalf("accepted = %v, want the pushed key", pushResp.Accepted)
	}

	// Device A pulls from the beginning and sees B's change.
	pullReq, _ := wire.BuildPullRequest("device-a", nil)
	pullResp, err := tr.Pull(ctx, pullReq)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(pullResp.Changes) != 1 || pullResp.Changes[0].EntityID != "task-7" {
		t.Fatalf("pull changes = %+v, want task-7", pullResp.Changes)
	}
	if pullResp.HasMore {
		t.Error("has_more = true, want false")
	}

	// Pulling again from the advanced cursor yields nothing new.
	cursor := pullResp.ServerCursor
	pullReq2, _ := wire.BuildPullRequest("device-a", &cursor)
	pullResp2, err := tr.Pull(ctx, pullReq2)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(pullResp2.Changes) != 0 {
		t.Errorf("second pull returned %d changes, want 0", len(pullResp2.Changes))
	}

	// B pulling skips its own change log but advances past it.
	pullReqB, _ := wire.BuildPullRequest("device-b", nil)
	pullRespB, err := tr.Pull(ctx, pullReqB)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if len(pullRespB.Changes) != 0 {
		t.Errorf("device-b pulled its own changes back: %+v", pullRespB.Changes)
	}
	if pullRespB.ServerCursor == changePrefix {
		t.Error("cursor should advance past own change logs")
	}
}
