package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"amp-controller/internal/config"
	"amp-controller/internal/models"
	"amp-controller/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTicks struct {
	report models.TickReport
}

func (s *staticTicks) LastReport() models.TickReport { return s.report }

type staticStatus map[string]interface{}

func (s staticStatus) GetStatus() map[string]interface{} { return s }

func newTestServer(ticks *staticTicks) (*Server, *Hub) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	metrics := observability.NewMetrics()
	hub := NewHub(metrics, logger)
	s := NewServer(&config.Config{}, ticks, hub, metrics, logger)
	s.AddComponent("dispatcher", staticStatus{"last_commanded_amps": 6})
	return s, hub
}

func get(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(&staticTicks{report: models.TickReport{ID: "x", State: models.StateRegulating}})

	rec, body := get(t, s.Router(), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "regulating", body["state"])
}

func TestServer_Status(t *testing.T) {
	s, _ := newTestServer(&staticTicks{})
	router := s.Router()

	rec, body := get(t, router, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, body, "dispatcher")
	assert.Equal(t, 6.0, body["dispatcher"].(map[string]interface{})["last_commanded_amps"])

	rec, body = get(t, router, "/status/dispatcher")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 6.0, body["last_commanded_amps"])

	rec, _ = get(t, router, "/status/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_LastTick(t *testing.T) {
	ticks := &staticTicks{}
	s, _ := newTestServer(ticks)
	router := s.Router()

	rec, _ := get(t, router, "/ticks/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ticks.report = models.TickReport{ID: "abc", TargetAmps: 6, Outcome: "sent"}
	rec, body := get(t, router, "/ticks/last")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, 6.0, body["target_amps"])
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(&staticTicks{})
	router := s.Router()
	get(t, router, "/health")

	rec, _ := get(t, router, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{route="/health",status="200"} 1`)
}

func TestServer_HandlerLogsAccess(t *testing.T) {
	s, _ := newTestServer(&staticTicks{})
	var accessLog bytes.Buffer

	rec, _ := get(t, s.Handler(&accessLog), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, accessLog.String(), `"GET /health HTTP/1.1" 200`)
}

func TestHub_StreamsReports(t *testing.T) {
	s, hub := newTestServer(&staticTicks{})
	server := httptest.NewServer(s.Handler(io.Discard))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Report(models.TickReport{ID: "tick-1", State: models.StateFailSafe})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var received models.TickReport
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "tick-1", received.ID)
	assert.Equal(t, models.StateFailSafe, received.State)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_ReportWithoutSubscribers(t *testing.T) {
	_, hub := newTestServer(&staticTicks{})
	assert.NotPanics(t, func() { hub.Report(models.TickReport{ID: "x"}) })
}
