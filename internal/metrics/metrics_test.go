package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveStorageOp("LOCAL", "put", "ok", 0.1)
	m.IncAccessDescriptor("signed_url")
	m.IncURLGenerationFailure()
	m.IncBackendDowngrade()
	m.AddPurged("temp/", 3)
	m.IncJobsCompleted("completed")
}

func TestPromMetrics(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("videodub")

	m.IncAccessDescriptor("signed_url")
	m.IncAccessDescriptor("signed_url")
	m.IncAccessDescriptor("proxy")
	m.IncBackendDowngrade()
	m.AddPurged("processing/", 2)
	m.AddPurged("processing/", 0)
	m.ObserveStorageOp("REMOTE", "put", "ok", 0.25)

	require.Equal(t, 2.0, testutil.ToFloat64(m.accessDescriptor.WithLabelValues("signed_url")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.accessDescriptor.WithLabelValues("proxy")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.downgrades))
	require.Equal(t, 2.0, testutil.ToFloat64(m.purged.WithLabelValues("processing/")))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("videodub")
	m.IncURLGenerationFailure()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "videodub_url_generation_failures_total 1"))
}
