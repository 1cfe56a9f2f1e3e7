package connector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process adapter used by tests and by the "memory"
// provider for development without credentials. It implements the full
// capability surface including delta cursors and conditional writes.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	etagSeq int64
}

type memoryObject struct {
	content    []byte
	etag       string
	modifiedAt time.Time
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

func (m *Memory) nextETag() string {
	m.etagSeq++
	return fmt.Sprintf("v%d", m.etagSeq)
}

func (m *Memory) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil || n < 0 {
			return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("bad cursor %q", opts.Cursor)}
		}
		start = n
	}
	if start > len(keys) {
		start = len(keys)
	}

	end := start + opts.Limit
	if end > len(keys) {
		end = len(keys)
	}

	result := &ListResult{HasMore: end < len(keys), Cursor: strconv.Itoa(end)}
	for _, k := range keys[start:end] {
		obj := m.objects[k]
		result.Items = append(result.Items, Item{
			Key:        k,
			ETag:       obj.etag,
			Size:       int64(len(obj.content)),
			ModifiedAt: obj.modifiedAt,
		})
	}
	return result, nil
}

func (m *Memory) Read(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[opts.Key]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no object %q", opts.Key)}
	}
	if opts.ETag != "" && opts.ETag == obj.etag {
		return &ReadResult{ETag: obj.etag, NotModified: true}, nil
	}

	content := make([]byte, len(obj.content))
	copy(content, obj.content)
	return &ReadResult{Content: content, ETag: obj.etag}, nil
}

func (m *Memory) Write(ctx context.Context, opts WriteOptions) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.IfMatchETag != "" {
		obj, ok := m.objects[opts.Key]
		if !ok {
			return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no object %q", opts.Key)}
		}
		if obj.etag != opts.IfMatchETag {
			return nil, &Error{Code: CodeConflict,
				Message: fmt.Sprintf("etag mismatch on %q: have %s, want %s", opts.Key, obj.etag, opts.IfMatchETag)}
		}
	}

	content := make([]byte, len(opts.Content))
	copy(content, opts.Content)
	obj := memoryObject{content: content, etag: m.nextETag(), modifiedAt: time.Now()}
	m.objects[opts.Key] = obj
	return &WriteResult{ETag: obj.etag}, nil
}

func (m *Memory) Remove(ctx context.Context, opts RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[opts.Key]
	if !ok {
		return &Error{Code: CodeNotFound, Message: fmt.Sprintf("no object %q", opts.Key)}
	}
	if opts.IfMatchETag != "" && obj.etag != opts.IfMatchETag {
		return &Error{Code: CodeConflict,
			Message: fmt.Sprintf("etag mismatch on %q: have %s, want %s", opts.Key, obj.etag, opts.IfMatchETag)}
	}
	delete(m.objects, opts.Key)
	return nil
}
