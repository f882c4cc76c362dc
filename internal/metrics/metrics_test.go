package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropCounts(t *testing.T) {
	m := NewNop()
	m.Drop(DropFragment)
	m.Drop(DropFragment)
	m.Drop(DropNoRoute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DropsTotal.WithLabelValues(DropFragment)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DropsTotal.WithLabelValues(DropNoRoute)))
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.Hostnames.Set(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Hostnames))
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionsActive.Set(4)

	srv := NewServer(":0", "", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ztun_tcp_sessions_active 4"))
}
