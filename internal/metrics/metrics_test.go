package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Received("update")
		m.Delivered("update")
		m.Dropped(DropBuffer, 3)
		m.Violation()
		m.ItemActivated(1)
		m.ActivationFailed()
		m.SessionOpened(1)
		m.TablesChanged(-1)
		m.Terminated(0)
		m.Auth("notify_user", "ok")
	})
}

func TestMetrics_Counters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.Received("update")
	m.Received("update")
	m.Dropped(DropFiltered, 2)
	m.Dropped(DropFiltered, 0)
	m.Terminated(-5)
	m.SessionOpened(1)
	m.SessionOpened(1)
	m.SessionOpened(-1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("update")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropFiltered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Terminations.WithLabelValues("-5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestServer_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.Violation()

	rec := httptest.NewRecorder()
	NewServer(":0", "", reg).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "itemgate_kernel_producer_violations_total 1")
}
