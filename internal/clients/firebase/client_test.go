package firebase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dpup/resq/server/internal/feed"
)

// MockHTTPDoer is a mock HTTP client for testing
type MockHTTPDoer struct {
	mock.Mock
}

func (m *MockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func createMockResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestReadWindow(t *testing.T) {
	doer := new(MockHTTPDoer)
	client := NewClientWithHTTPDoer("https://db.example.com/", "secret", 200, doer, doer)

	body := `{
		"b": {"status": "Ongoing", "latitude": 7.1, "longitude": 125.6, "timestamp": 5001},
		"a": {"status": "Completed", "lat": 7.2, "lon": 125.7},
		"junk": "not a record"
	}`
	doer.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		q := req.URL.Query()
		return req.Method == http.MethodGet &&
			req.URL.Path == "/reports/fire/station-1.json" &&
			q.Get("orderBy") == `"$key"` &&
			q.Get("limitToLast") == "200" &&
			q.Get("auth") == "secret"
	})).Return(createMockResponse(http.StatusOK, body), nil)

	events, err := client.Feed("/reports/fire/station-1").ReadWindow(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, feed.Added, events[1].Kind)
	assert.Equal(t, "reports/fire/station-1", events[1].Path)
	assert.True(t, events[1].Record.Ongoing())

	ts, ok := events[1].Record.Timestamp(time.UTC)
	require.True(t, ok)
	assert.Equal(t, int64(5001000), ts)

	doer.AssertExpectations(t)
}

func TestReadWindowEmpty(t *testing.T) {
	doer := new(MockHTTPDoer)
	client := NewClientWithHTTPDoer("https://db.example.com", "", 10, doer, doer)
	doer.On("Do", mock.Anything).Return(createMockResponse(http.StatusOK, "null"), nil)

	events, err := client.Feed("reports/sms/x").ReadWindow(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadWindowFailure(t *testing.T) {
	doer := new(MockHTTPDoer)
	client := NewClientWithHTTPDoer("https://db.example.com", "", 10, doer, doer)

	doer.On("Do", mock.Anything).Return(createMockResponse(http.StatusUnauthorized, `{"error":"Permission denied"}`), nil).Once()
	_, err := client.Feed("reports/fire/x").ReadWindow(logging.EnsureLogger(context.Background()))
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrWindowUnavailable)
	assert.Contains(t, err.Error(), "Permission denied")

	doer.On("Do", mock.Anything).Return(nil, fmt.Errorf("connection refused")).Once()
	_, err = client.Feed("reports/fire/x").ReadWindow(logging.EnsureLogger(context.Background()))
	assert.ErrorIs(t, err, feed.ErrWindowUnavailable)
}

func TestMarkCompleted(t *testing.T) {
	doer := new(MockHTTPDoer)
	client := NewClientWithHTTPDoer("https://db.example.com", "secret", 10, doer, doer)

	doer.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		if req.Method != http.MethodPatch || req.URL.Path != "/reports/fire/x/abc.json" {
			return false
		}
		if req.URL.Query().Has("limitToLast") {
			return false
		}
		body, _ := io.ReadAll(req.Body)
		return string(body) == `{"status":"Completed"}`
	})).Return(createMockResponse(http.StatusOK, `{"status":"Completed"}`), nil).Once()

	require.NoError(t, client.Feed("reports/fire/x").MarkCompleted(logging.EnsureLogger(context.Background()), "abc"))

	doer.On("Do", mock.Anything).Return(createMockResponse(http.StatusForbidden, "denied"), nil).Once()
	err := client.Feed("reports/fire/x").MarkCompleted(logging.EnsureLogger(context.Background()), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")

	doer.AssertExpectations(t)
}

// streamServer writes the given SSE frames and then holds the connection open
func streamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

func collect(t *testing.T, sub feed.Subscription, n int) []feed.Event {
	t.Helper()
	var events []feed.Event
	timeout := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case e, ok := <-sub.Events():
			require.True(t, ok, "stream closed early: %v", sub.Err())
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestSubscribeMirrorsStream(t *testing.T) {
	srv := streamServer(t,
		frame("put", `{"path":"/","data":{"a":{"status":"Ongoing","lat":7.1,"lon":125.6},"b":{"status":"Ongoing","lat":7.2,"lon":125.7}}}`),
		frame("keep-alive", "null"),
		frame("patch", `{"path":"/a","data":{"status":"Completed"}}`),
		frame("put", `{"path":"/b","data":null}`),
		frame("put", `{"path":"/c","data":{"status":"Ongoing","lat":7.3,"lon":125.8}}`),
		frame("put", `{"path":"/c/address","data":"Bajada"}`),
	)

	client := NewClientWithHTTPDoer(srv.URL, "", 200, srv.Client(), srv.Client())
	sub, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 6)

	assert.Equal(t, feed.Added, events[0].Kind)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, feed.Added, events[1].Kind)
	assert.Equal(t, "b", events[1].ID)

	assert.Equal(t, feed.Changed, events[2].Kind)
	assert.Equal(t, "a", events[2].ID)
	assert.False(t, events[2].Record.Ongoing())
	_, hasLocation := events[2].Record.Location()
	assert.True(t, hasLocation, "patch keeps existing fields")

	assert.Equal(t, feed.Removed, events[3].Kind)
	assert.Equal(t, "b", events[3].ID)

	assert.Equal(t, feed.Added, events[4].Kind)
	assert.Equal(t, "c", events[4].ID)

	assert.Equal(t, feed.Changed, events[5].Kind)
	assert.Equal(t, "Bajada", events[5].Record.String("address"))
}

func TestSubscribeRootReplaceDiffs(t *testing.T) {
	srv := streamServer(t,
		frame("put", `{"path":"/","data":{"a":{"status":"Ongoing","lat":7.1,"lon":125.6}}}`),
		frame("put", `{"path":"/","data":{"a":{"status":"Ongoing","lat":7.1,"lon":125.6},"d":{"status":"Ongoing","lat":7.4,"lon":125.9}}}`),
		frame("put", `{"path":"/","data":null}`),
	)

	client := NewClientWithHTTPDoer(srv.URL, "", 200, srv.Client(), srv.Client())
	sub, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 4)
	assert.Equal(t, "a", events[0].ID)
	// unchanged "a" is not re-emitted
	assert.Equal(t, "d", events[1].ID)
	assert.Equal(t, feed.Added, events[1].Kind)
	assert.Equal(t, feed.Removed, events[2].Kind)
	assert.Equal(t, feed.Removed, events[3].Kind)
}

func TestSubscribeCancelEndsWithError(t *testing.T) {
	srv := streamServer(t, frame("cancel", `"Permission denied"`))

	client := NewClientWithHTTPDoer(srv.URL, "", 200, srv.Client(), srv.Client())
	sub, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)
	defer sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.ErrorIs(t, sub.Err(), ErrStreamCancelled)
}

func TestSubscribeServerEndReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, frame("auth_revoked", `"token expired"`))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	t.Cleanup(srv.Close)

	client := NewClientWithHTTPDoer(srv.URL, "", 200, srv.Client(), srv.Client())
	sub, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)

	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), ErrStreamCancelled)

	// No Close: the ended stream still releases its watcher and connection
	select {
	case <-sub.(*subscription).unblocked:
	case <-time.After(5 * time.Second):
		t.Fatal("stream watcher still running after the server ended the stream")
	}
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("connection held open after the server ended the stream")
	}
	require.NoError(t, sub.Close())
}

func TestSubscribeCloseIsClean(t *testing.T) {
	srv := streamServer(t, frame("put", `{"path":"/","data":null}`))

	client := NewClientWithHTTPDoer(srv.URL, "", 200, srv.Client(), srv.Client())
	sub, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.NoError(t, sub.Err())
}

func TestSubscribeRejected(t *testing.T) {
	doer := new(MockHTTPDoer)
	client := NewClientWithHTTPDoer("https://db.example.com", "", 10, doer, doer)
	doer.On("Do", mock.Anything).Return(createMockResponse(http.StatusUnauthorized, "nope"), nil)

	_, err := client.Feed("reports/fire/x").Subscribe(logging.EnsureLogger(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}
