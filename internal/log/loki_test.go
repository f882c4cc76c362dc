package log

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lokiServer records pushed lines.
type lokiServer struct {
	*httptest.Server
	mu     sync.Mutex
	pushes []lokiPushRequest
	fail   atomic.Int32 // fail this many requests first
}

func newLokiServer(t *testing.T) *lokiServer {
	t.Helper()
	s := &lokiServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fail.Load() > 0 {
			s.fail.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req lokiPushRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.pushes = append(s.pushes, req)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lokiServer) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.pushes {
		for _, st := range p.Streams {
			for _, v := range st.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestLokiDefaults(t *testing.T) {
	lw := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", Labels: map[string]string{"env": "test"}})
	defer lw.Close()

	assert.Equal(t, defaultLokiBatch, lw.batchSize)
	assert.Equal(t, defaultLokiInterval, lw.flushInterval)
	assert.Equal(t, map[string]string{"env": "test", "job": "ztun"}, lw.labels)
}

func TestLokiBatchFlush(t *testing.T) {
	srv := newLokiServer(t)
	lw := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	defer lw.Close()

	_, err := lw.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = lw.Write([]byte("two\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(srv.lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, srv.lines())
}

func TestLokiPeriodicFlush(t *testing.T) {
	srv := newLokiServer(t)
	lw := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	defer lw.Close()

	_, err := lw.Write([]byte("lonely line"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLokiCloseFlushes(t *testing.T) {
	srv := newLokiServer(t)
	lw := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := lw.Write([]byte("line"))
		require.NoError(t, err)
	}
	require.NoError(t, lw.Close())
	assert.Len(t, srv.lines(), 5)

	_, err := lw.Write([]byte("late"))
	assert.Error(t, err)
	assert.NoError(t, lw.Close())
}

func TestLokiRetry(t *testing.T) {
	srv := newLokiServer(t)
	srv.fail.Store(2)
	lw := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: time.Hour})

	_, err := lw.Write([]byte("eventually"))
	require.NoError(t, err)
	require.NoError(t, lw.Close())
	assert.Equal(t, []string{"eventually"}, srv.lines())
	assert.Zero(t, lw.Failed())
}

func TestLokiHTTPError(t *testing.T) {
	srv := newLokiServer(t)
	srv.fail.Store(100)
	lw := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: time.Hour})

	_, err := lw.Write([]byte("lost"))
	require.NoError(t, err)
	err = lw.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.EqualValues(t, 1, lw.Failed())
}

func TestLokiDropsWhenBehind(t *testing.T) {
	lw := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", BatchSize: lokiMaxPending * 2, FlushInterval: time.Hour})
	for i := 0; i < lokiMaxPending+3; i++ {
		_, err := lw.Write([]byte("x"))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, lw.Dropped())

	// Drain without a reachable endpoint.
	lw.mu.Lock()
	lw.batch = nil
	lw.mu.Unlock()
	require.NoError(t, lw.Close())
}
