package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/smdr-collector/internal/models"
)

func TestCounters(t *testing.T) {
	m := New()

	m.LineReceived()
	m.LineReceived()
	m.RecordParsed(models.CallExternal)
	m.ParseFailed("insufficient token count")
	m.AlertFired("long-call")
	m.AlertFired("long-call")
	m.StoreFailed("smdr_records")
	m.Published("records", nil)
	m.Published("records", errors.New("no responders"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.linesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recordsTotal.WithLabelValues("external")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.recordsTotal.WithLabelValues("internal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.parseErrorsTotal.WithLabelValues("insufficient token count")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.alertsTotal.WithLabelValues("long-call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrorsTotal.WithLabelValues("smdr_records")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("records", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("records", "error")))
}

func TestStatusGaugeIsOneHot(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("disconnected")))

	m.SetStatus(models.StatusConnected, 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("retrying")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionStatus.WithLabelValues("connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeController))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusChanges.WithLabelValues("connected")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LineReceived()
		m.RecordParsed(models.CallInternal)
		m.ParseFailed("x")
		m.AlertFired("x")
		m.StoreFailed("x")
		m.Published("x", nil)
		m.SetStatus(models.StatusRetrying, 0)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.AlertFired("tag-call")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `smdr_alerts_fired_total{type="tag-call"} 1`)
	assert.Contains(t, string(body), `smdr_connection_status{status="disconnected"} 1`)
}
