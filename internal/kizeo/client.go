// Package kizeo is the HTTP client for the Kizeo Forms REST API.
//
// The client exposes the raw fetch capability (method + path + payload) the
// pipeline consumes, plus typed helpers for the handful of endpoints the
// ingestion protocol uses. Token lifecycle is not handled here: the caller
// supplies a ready API token.
package kizeo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"formetl/internal/metrics"
)

// DefaultBaseURL is the production REST endpoint.
const DefaultBaseURL = "https://forms.kizeo.com/rest/v3"

// ErrMalformedPayload marks a response body whose shape is unrecognized
// (e.g. no "data" array where one is required). The unread resolver maps it
// to its INVALID outcome.
var ErrMalformedPayload = errors.New("kizeo: malformed payload")

// Response is the outcome of one Fetch call.
type Response struct {
	Code int
	Body json.RawMessage
}

// Client calls the forms API over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests, regional deployments).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient builds a Client with a 60s request timeout by default.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch performs one API call. path is relative to the base URL and must
// start with "/". A non-2xx status is returned as an error carrying the
// status code; the body (when present) is still returned for diagnostics.
func (c *Client) Fetch(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("kizeo: encode payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("kizeo: build request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	metrics.ObserveHistogram(metrics.MetricFetchDuration, time.Since(start).Seconds(), metrics.Labels{"kind": pathKind(path)})
	if err != nil {
		return nil, fmt.Errorf("kizeo: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Response{Code: resp.StatusCode}, fmt.Errorf("kizeo: read body: %w", err)
	}

	out := &Response{Code: resp.StatusCode, Body: raw}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("kizeo: %s %s: http %d", method, path, resp.StatusCode)
	}
	return out, nil
}

// pathKind reduces a concrete path to a low-cardinality metric label.
func pathKind(path string) string {
	switch {
	case strings.Contains(path, "/data/unread/"):
		return "unread"
	case strings.Contains(path, "/data/all"):
		return "all"
	case strings.Contains(path, "/markasreadbyaction/"):
		return "markread"
	case strings.Contains(path, "/medias/"):
		return "media"
	case strings.Contains(path, "/data/"):
		return "detail"
	case strings.Contains(path, "/lists"):
		return "lists"
	default:
		return "other"
	}
}

// UnreadData lists records not yet marked read under the action token.
// limit bounds the server-side page size.
func (c *Client) UnreadData(ctx context.Context, formID, action string, limit int) (*DataList, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/forms/%s/data/unread/%s/%d?includeupdated", formID, action, limit)
	resp, err := c.Fetch(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeDataList(resp.Body)
}

// AllData lists the entire historical dataset of a form. Used for the
// first-run fallback and for backfills.
func (c *Client) AllData(ctx context.Context, formID string) (*DataList, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, fmt.Sprintf("/forms/%s/data/all", formID), nil)
	if err != nil {
		return nil, err
	}
	return decodeDataList(resp.Body)
}

// decodeDataList enforces the { "data": [...] } shape. Anything else is
// ErrMalformedPayload, which callers treat as a hard stop for the run.
func decodeDataList(body []byte) (*DataList, error) {
	var probe struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(probe.Data) == 0 || probe.Data[0] != '[' {
		return nil, fmt.Errorf("%w: missing data array", ErrMalformedPayload)
	}
	var records []RecordSummary
	if err := json.Unmarshal(probe.Data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &DataList{Status: probe.Status, Records: records}, nil
}

// RecordDetail fetches one full submission.
func (c *Client) RecordDetail(ctx context.Context, formID, dataID string) (*Record, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, fmt.Sprintf("/forms/%s/data/%s", formID, dataID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data *Record `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%w: missing data object", ErrMalformedPayload)
	}
	if out.Data.FormID == "" {
		out.Data.FormID = formID
	}
	return out.Data, nil
}

// MediaPath is the API path of one media asset attached to a record. It is
// also recorded verbatim as the asset's raw URL.
func MediaPath(formID, dataID, name string) string {
	return fmt.Sprintf("/forms/%s/data/%s/medias/%s", formID, dataID, name)
}

// MediaFile downloads one media asset. The body is returned as-is; media
// endpoints serve binary content, not JSON.
func (c *Client) MediaFile(ctx context.Context, formID, dataID, name string) ([]byte, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, MediaPath(formID, dataID, name), nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// MarkAsRead flags record ids as consumed under the action token.
func (c *Client) MarkAsRead(ctx context.Context, formID, action string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := fmt.Sprintf("/forms/%s/markasreadbyaction/%s", formID, action)
	_, err := c.Fetch(ctx, http.MethodPost, path, map[string]any{"data_ids": ids})
	return err
}

// Lists returns all external lists visible to the token.
func (c *Client) Lists(ctx context.Context) ([]ListSummary, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, "/lists", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Lists []ListSummary `json:"lists"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return out.Lists, nil
}

// ListDetail fetches one external list with its item lines.
func (c *Client) ListDetail(ctx context.Context, listID string) (*List, error) {
	resp, err := c.Fetch(ctx, http.MethodGet, "/lists/"+listID, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		List *List `json:"list"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if out.List == nil {
		return nil, fmt.Errorf("%w: missing list object", ErrMalformedPayload)
	}
	return out.List, nil
}

// UpdateList replaces the full item set of an external list. There is no
// row-level patch in the API; this is all-or-nothing.
func (c *Client) UpdateList(ctx context.Context, listID string, items []string) error {
	_, err := c.Fetch(ctx, http.MethodPut, "/lists/"+listID, map[string]any{"items": items})
	return err
}
