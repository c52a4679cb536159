// Package firebase adapts Firebase Realtime Database report paths to the
// feed port over the REST API: one-shot window reads, server-sent event
// streaming and status write-back.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/incident"
)

// HTTPDoer is the subset of *http.Client the adapter uses
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to one Realtime Database instance
type Client struct {
	baseURL   string
	authToken string
	window    int
	http      HTTPDoer
	stream    HTTPDoer
}

// NewClient creates a client for baseURL (e.g. https://<db>.firebaseio.com).
// window bounds every read and stream to the last N keys.
func NewClient(baseURL, authToken string, window int) *Client {
	return NewClientWithHTTPDoer(baseURL, authToken, window,
		&http.Client{Timeout: 30 * time.Second},
		// Streams stay open indefinitely
		&http.Client{})
}

// NewClientWithHTTPDoer creates a client with custom HTTP clients for
// regular requests and streams
func NewClientWithHTTPDoer(baseURL, authToken string, window int, doer, stream HTTPDoer) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		window:    window,
		http:      doer,
		stream:    stream,
	}
}

// Feed returns the feed at path
func (c *Client) Feed(path string) *Feed {
	return &Feed{client: c, path: strings.Trim(path, "/")}
}

func (c *Client) endpoint(path string, windowed bool) string {
	q := url.Values{}
	if windowed && c.window > 0 {
		q.Set("orderBy", `"$key"`)
		q.Set("limitToLast", strconv.Itoa(c.window))
	}
	if c.authToken != "" {
		q.Set("auth", c.authToken)
	}
	u := c.baseURL + "/" + path + ".json"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// Feed is one report path; it implements feed.Feed
type Feed struct {
	client *Client
	path   string
}

var _ feed.Feed = (*Feed)(nil)

func (f *Feed) Path() string { return f.path }

// ReadWindow fetches the bounded window once
func (f *Feed) ReadWindow(ctx context.Context) ([]feed.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.client.endpoint(f.path, true), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", feed.ErrWindowUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: HTTP %d: %s", feed.ErrWindowUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", feed.ErrWindowUnavailable, err)
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	events := make([]feed.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, feed.Event{Path: f.path, ID: id, Kind: feed.Added, Record: records[id]})
	}
	return events, nil
}

// MarkCompleted patches the record's status. The stream echoes the change.
func (f *Feed) MarkCompleted(ctx context.Context, id string) error {
	body, err := json.Marshal(map[string]string{"status": "Completed"})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	path := f.path + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, f.client.endpoint(path, false), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to mark %s completed: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// decodeRecords parses an id-keyed object, tolerating null and non-object children
func decodeRecords(r io.Reader) (map[string]incident.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return toRecords(raw), nil
}

func toRecords(raw map[string]any) map[string]incident.Record {
	records := make(map[string]incident.Record, len(raw))
	for id, v := range raw {
		if m, ok := v.(map[string]any); ok {
			records[id] = incident.Record(m)
		}
	}
	return records
}
