package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncEventRecorded("check-in", "success")
		m.IncRecordFailure("validation")
		m.IncPartialWrite()
		m.IncTrailRebuild()
		m.IncVerdictChange("compliant")
		m.IncStreamPublished()
		m.IncStreamDropped()
		m.SetStreamClients(3)
		m.ObserveReport("daily", "ok", time.Second)
		m.IncWebhookDelivery("failed")
	})
}

func TestNewTwiceDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.IncEventRecorded("check-in", "success")
	m.IncEventRecorded("check-in", "success")
	m.IncPartialWrite()
	m.IncStreamDropped()
	m.SetStreamClients(2)

	body := scrape(t, m)
	assert.Contains(t, body, `custody_events_recorded_total{kind="check-in",outcome="success"} 2`)
	assert.Contains(t, body, "custody_partial_writes_total 1")
	assert.Contains(t, body, "custody_stream_dropped_total 1")
	assert.Contains(t, body, "custody_stream_subscribers 2")
}
