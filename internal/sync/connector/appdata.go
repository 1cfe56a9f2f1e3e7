package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// appData talks to a managed cloud-drive app-data folder over its REST
// surface: GET /objects for listings, GET/PUT/DELETE /objects/{key} for
// individual objects, with etags carried in standard headers.
type appData struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAppData(baseURL, token string) *appData {
	return &appData{baseURL: baseURL, token: token, client: &http.Client{}}
}

type appDataListing struct {
	Items   []Item `json:"items"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

func (a *appData) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}
	q.Set("limit", strconv.Itoa(opts.Limit))

	body, _, err := a.do(ctx, http.MethodGet, "/objects?"+q.Encode(), nil, nil, opts.TimeoutMS)
	if err != nil {
		return nil, err
	}

	var listing appDataListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, &Error{Code: CodeUnknown, Message: fmt.Sprintf("undecodable listing: %v", err)}
	}
	return &ListResult{Items: listing.Items, Cursor: listing.Cursor, HasMore: listing.HasMore}, nil
}

func (a *appData) Read(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	headers := map[string]string{}
	if opts.ETag != "" {
		headers["If-None-Match"] = opts.ETag
	}

	body, resp, err := a.do(ctx, http.MethodGet, "/objects/"+url.PathEscape(opts.Key), nil, headers, opts.TimeoutMS)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return &ReadResult{ETag: opts.ETag, NotModified: true}, nil
	}
	return &ReadResult{Content: body, ETag: resp.Header.Get("ETag")}, nil
}

func (a *appData) Write(ctx context.Context, opts WriteOptions) (*WriteResult, error) {
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	if opts.IfMatchETag != "" {
		headers["If-Match"] = opts.IfMatchETag
	}

	_, resp, err := a.do(ctx, http.MethodPut, "/objects/"+url.PathEscape(opts.Key),
		bytes.NewReader(opts.Content), headers, opts.TimeoutMS)
	if err != nil {
		return nil, err
	}
	return &WriteResult{ETag: resp.Header.Get("ETag")}, nil
}

func (a *appData) Remove(ctx context.Context, opts RemoveOptions) error {
	headers := map[string]string{}
	if opts.IfMatchETag != "" {
		headers["If-Match"] = opts.IfMatchETag
	}

	_, _, err := a.do(ctx, http.MethodDelete, "/objects/"+url.PathEscape(opts.Key), nil, headers, opts.TimeoutMS)
	return err
}

// do performs one request and maps provider failures onto the
// connector error taxonomy.
func (a *appData) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string, timeoutMS int) ([]byte, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, nil, &Error{Code: CodeInvalidRequest, Message: err.Error()}
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, nil, &Error{Code: CodeUnavailable, Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotModified {
		return content, resp, nil
	}
	return nil, nil, classifyAppDataStatus(resp, content)
}

func classifyAppDataStatus(resp *http.Response, body []byte) *Error {
	ce := &Error{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	if ce.Message == "" {
		ce.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		ce.Code = CodeUnauthorized
	case http.StatusForbidden:
		ce.Code = CodeForbidden
	case http.StatusTooManyRequests:
		ce.Code = CodeRateLimited
	case http.StatusNotFound:
		ce.Code = CodeNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		ce.Code = CodeConflict
	case http.StatusBadRequest:
		ce.Code = CodeInvalidRequest
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		ce.Code = CodeUnavailable
	default:
		ce.Code = CodeUnknown
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			ce.RetryAfterMS = int64(secs) * 1000
		}
	}
	return ce
}
