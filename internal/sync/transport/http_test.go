package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

func newTestTransport(t *testing.T, handler http.Handler) *HTTPTransport {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := NewHTTP(HTTPConfig{
		PushURL: srv.URL + "/sync/push",
		PullURL: srv.URL + "/sync/pull",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	return tr
}

func TestNewHTTPRequiresURLs(t *testing.T) {
	if _, err := NewHTTP(HTTPConfig{PushURL: "http://x"}); err == nil {
		t.Error("expected error when pull URL is missing")
	}
}

func TestPushRoundTrip(t *testing.T) {
	var gotPath string
	var gotBody wire.PushRequest

	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accepted":      []string{"device-a:task-1:UPSERT:1"},
			"rejected":      []any{},
			"server_cursor": "cur-9",
			"server_time":   "2026-03-14T09:27:00Z",
		})
	}))

	req, err := wire.BuildPushRequest("device-a", nil, []wire.Change{{
		EntityType:     wire.EntityTask,
		EntityID:       "task-1",
		Operation:      wire.OpUpsert,
		IdempotencyKey: "device-a:task-1:UPSERT:1",
	}})
	if err != nil {
		t.Fatalf("BuildPushRequest failed: %v", err)
	}

	resp, err := tr.Push(context.Background(), req)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if gotPath != "/sync/push" {
		t.Errorf("push hit %q, want /sync/push", gotPath)
	}
	if gotBody.DeviceID != "device-a" {
		t.Errorf("server saw device id %q", gotBody.DeviceID)
	}
	if resp.ServerCursor != "cur-9" || len(resp.Accepted) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestPullSendsCursor(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode pull body: %v", err)
		}
		if req.Cursor == nil || *req.Cursor != "cur-5" {
			t.Errorf("server saw cursor %v, want cur-5", req.Cursor)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"server_cursor": "cur-6",
			"server_time":   "2026-03-14T09:27:00Z",
			"has_more":      false,
			"changes":       []any{},
		})
	}))

	cursor := "cur-5"
	req, _ := wire.BuildPullRequest("device-a", &cursor)
	resp, err := tr.Pull(context.Background(), req)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if resp.HasMore {
		t.Error("has_more = true, want false")
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err := tr.Pull(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !IsAuthFailure(err) {
		t.Errorf("expected auth failure classification, got %v", err)
	}
	if IsTransient(err) {
		t.Error("auth failures must not be retried")
	}
}

func TestRateLimitedHonorsRetryAfter(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"reason":         ReasonRateLimited,
			"message":        "slow down",
			"retry_after_ms": 2500,
		})
	}))

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err := tr.Pull(context.Background(), req)
	if !IsTransient(err) {
		t.Fatalf("rate limit should be transient, got %v", err)
	}
	if got := RetryAfter(err); got != 2500*time.Millisecond {
		t.Errorf("retry after = %v, want 2.5s", got)
	}
}

func TestInvalidCursorClassification(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"reason":  ReasonInvalidCursor,
			"message": "cursor expired",
		})
	}))

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err := tr.Pull(context.Background(), req)
	if !IsInvalidCursor(err) {
		t.Errorf("expected invalid-cursor classification, got %v", err)
	}
	if IsTransient(err) {
		t.Error("invalid cursor needs a re-bootstrap, not a blind retry")
	}
}

func TestTimeoutSurfacesAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewHTTP(HTTPConfig{
		PushURL: srv.URL,
		PullURL: srv.URL,
		Timeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err = tr.Pull(context.Background(), req)
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.Kind != KindTimeout {
		t.Errorf("kind = %q, want timeout", te.Kind)
	}
	if !IsOffline(err) {
		t.Error("timeout should classify as offline")
	}
	if !IsTransient(err) {
		t.Error("timeout should be transient")
	}
}

func TestUndecodableBodyIsTransient(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	}))

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err := tr.Pull(context.Background(), req)
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.Kind != KindBadBody {
		t.Errorf("kind = %q, want bad_body", te.Kind)
	}
	if !IsTransient(err) {
		t.Error("undecodable body should be transient")
	}
}

func TestMalformedContractIsFatal(t *testing.T) {
	tr := newTestTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Valid JSON, but missing the required server_cursor.
		json.NewEncoder(w).Encode(map[string]any{
			"server_time": "2026-03-14T09:27:00Z",
			"has_more":    false,
			"changes":     []any{},
		})
	}))

	req, _ := wire.BuildPullRequest("device-a", nil)
	_, err := tr.Pull(context.Background(), req)
	var se *wire.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if IsTransient(err) {
		t.Error("contract violations must not be retried")
	}
}
