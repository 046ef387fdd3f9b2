package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/smdr-collector/internal/cipher"
	"github.com/hamzaKhattat/smdr-collector/internal/db"
	"github.com/hamzaKhattat/smdr-collector/internal/metrics"
	"github.com/hamzaKhattat/smdr-collector/internal/models"
	"github.com/hamzaKhattat/smdr-collector/internal/service"
)

type fakeBackend struct {
	state  service.State
	recent []models.Record
	hub    *service.Hub
	store  *db.Store
}

func (f *fakeBackend) State() service.State { return f.state }

func (f *fakeBackend) Recent(n int) []models.Record {
	if n <= 0 || n > len(f.recent) {
		return f.recent
	}
	return f.recent[:n]
}

func (f *fakeBackend) Hub() *service.Hub { return f.hub }

func (f *fakeBackend) Store() *db.Store { return f.store }

func newTestServer(t *testing.T) (*httptest.Server, *fakeBackend) {
	t.Helper()
	fc, err := cipher.New("")
	require.NoError(t, err)
	store, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "smdr.db"), fc)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := &fakeBackend{
		state: service.State{Status: models.StatusConnected},
		recent: []models.Record{
			{Date: "2026-02-17", StartTime: "10:01:00", CallingParty: "1003", CalledParty: "1002"},
			{Date: "2026-02-17", StartTime: "10:00:00", CallingParty: "1001", CalledParty: "1002"},
		},
		hub:   service.NewHub(),
		store: store,
	}
	srv := httptest.NewServer(NewServer(b, metrics.New()))
	t.Cleanup(srv.Close)
	return srv, b
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["connection"])
}

func TestHealthzReportsDatabaseFailure(t *testing.T) {
	srv, b := newTestServer(t)
	b.store.Close()
	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestState(t *testing.T) {
	srv, _ := newTestServer(t)
	var state service.State
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/state", &state))
	assert.Equal(t, models.StatusConnected, state.Status)

	resp, err := http.Post(srv.URL+"/api/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecent(t *testing.T) {
	srv, _ := newTestServer(t)
	var recs []models.Record
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/recent?limit=1", &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "1003", recs[0].CallingParty)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/recent?limit=x", nil))
}

func TestDashboard(t *testing.T) {
	srv, b := newTestServer(t)
	_, err := b.store.InsertRecord(context.Background(), &models.Record{
		Date: "2026-02-17", StartTime: "10:00:00", Duration: "00:01:00",
		CallingParty: "1001", CalledParty: "1002", CallType: models.CallInternal, RawLine: "x",
	})
	require.NoError(t, err)

	var m models.DashboardMetrics
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/dashboard?date=2026-02-17", &m))
	assert.Equal(t, 1, m.TotalCalls)
	assert.Equal(t, 60, m.TotalSeconds)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/dashboard?date=17-02-2026", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "smdr_connection_status")
}

func TestEventStream(t *testing.T) {
	srv, b := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.hub.Publish(models.ServiceEvent{
		Kind:   models.EventRecord,
		Record: &models.Record{CallingParty: "1001", CalledParty: "1002"},
		At:     time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev models.ServiceEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventRecord, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "1001", ev.Record.CallingParty)

	b.hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEventStreamUnsubscribesOnClientClose(t *testing.T) {
	srv, b := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	srv, b := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, b.hub.Len())

	header = http.Header{"Origin": []string{srv.URL}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	req := func(host, origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/ws/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	check := originChecker([]string{"https://ops.example/"})
	assert.True(t, check(req("collector:8080", "")))
	assert.True(t, check(req("collector:8080", "http://collector:8080")))
	assert.True(t, check(req("collector:8080", "https://OPS.example")))
	assert.False(t, check(req("collector:8080", "http://evil.example")))
	assert.False(t, check(req("collector:8080", "http://collector:9090")))

	assert.True(t, originChecker([]string{"*"})(req("collector:8080", "http://evil.example")))
}
