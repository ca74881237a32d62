package loki

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lokiServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []pushRequest
	encoding []string
	status   int
}

func newLokiServer(t *testing.T) *lokiServer {
	t.Helper()
	s := &lokiServer{status: http.StatusNoContent}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/push", r.URL.Path)
		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if !assert.NoError(t, err) {
				return
			}
			body = zr
		}
		var req pushRequest
		assert.NoError(t, json.NewDecoder(body).Decode(&req))

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.encoding = append(s.encoding, r.Header.Get("Content-Encoding"))
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lokiServer) received() []pushRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pushRequest(nil), s.requests...)
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100"})
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 5*time.Second, w.interval)
	assert.Equal(t, 10*time.Second, w.client.Timeout)
	assert.Equal(t, DefaultJob, w.labels["job"])
}

func TestNewWriter_KeepsCustomJob(t *testing.T) {
	labels := map[string]string{"job": "docs", "host": "a"}
	w := NewWriter(Config{URL: "http://x", Labels: labels})
	assert.Equal(t, "docs", w.labels["job"])

	w.SetLabels(map[string]string{"host": "b"})
	assert.Equal(t, "a", labels["host"], "caller map is not modified")
}

func TestFlush_PushesBufferedLines(t *testing.T) {
	srv := newLokiServer(t)
	w := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"host": "node1"}})
	w.now = func() time.Time { return time.Unix(0, 42) }

	_, _ = w.Write([]byte(`{"level":"info","message":"one"}` + "\n"))
	_, _ = w.Write([]byte("   \n"))
	_, _ = w.Write([]byte(`{"level":"warn","message":"two"}`))
	w.Flush()

	reqs := srv.received()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Streams, 1)
	st := reqs[0].Streams[0]
	assert.Equal(t, map[string]string{"job": DefaultJob, "host": "node1"}, st.Stream)
	require.Len(t, st.Values, 2)
	assert.Equal(t, [2]string{"42", `{"level":"info","message":"one"}`}, st.Values[0])
	assert.Equal(t, `{"level":"warn","message":"two"}`, st.Values[1][1])

	w.Flush()
	assert.Len(t, srv.received(), 1, "empty buffer is not pushed")
}

func TestFlush_Gzip(t *testing.T) {
	srv := newLokiServer(t)
	w := NewWriter(Config{URL: srv.URL, Gzip: true})
	_, _ = w.Write([]byte("line"))
	w.Flush()

	require.Len(t, srv.received(), 1)
	srv.mu.Lock()
	assert.Equal(t, []string{"gzip"}, srv.encoding)
	srv.mu.Unlock()
	assert.Equal(t, "line", srv.received()[0].Streams[0].Values[0][1])
}

func TestFlush_CountsFailures(t *testing.T) {
	srv := newLokiServer(t)
	srv.mu.Lock()
	srv.status = http.StatusInternalServerError
	srv.mu.Unlock()
	w := NewWriter(Config{URL: srv.URL})
	w.stderr = io.Discard

	_, _ = w.Write([]byte("a"))
	w.Flush()
	_, _ = w.Write([]byte("b"))
	w.Flush()
	assert.Equal(t, uint64(2), w.Failures())
}

func TestWrite_FullBatchTriggersPush(t *testing.T) {
	srv := newLokiServer(t)
	w := NewWriter(Config{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	w.Start()
	defer w.Stop()

	_, _ = w.Write([]byte("a"))
	_, _ = w.Write([]byte("b"))

	assert.Eventually(t, func() bool { return len(srv.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStop_FlushesRemainder(t *testing.T) {
	srv := newLokiServer(t)
	w := NewWriter(Config{URL: srv.URL, FlushInterval: time.Hour})
	w.Start()
	_, _ = w.Write([]byte("last words"))
	w.Stop()

	reqs := srv.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, "last words", reqs[0].Streams[0].Values[0][1])
}
