package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	pkgerrors "github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/gateway"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

func ptr(v float64) *float64 { return &v }

type GatewaySuite struct {
	suite.Suite

	engine   *reconcile.Engine
	tracker  *health.Tracker
	store    *settings.FileStore
	monitor  *health.Monitor
	board    *gateway.DashboardCache
	gateway  *Gateway
	server   *httptest.Server
	cancel   context.CancelFunc
	engineCh chan error
}

func (s *GatewaySuite) SetupTest() {
	catalog := sensor.NewCatalog(
		sensor.Sensor{ID: "1", Type: "Temperatura", Unit: "°C", Min: ptr(10), Max: ptr(30)},
		sensor.Sensor{ID: "2", Type: "Humedad Suelo", Unit: "%"},
	)
	s.engine = reconcile.NewEngine(catalog)
	s.tracker = health.NewTracker(nil)
	s.monitor = health.NewMonitor()
	s.board = gateway.NewDashboardCache(nil)

	var err error
	s.store, err = settings.NewFileStore(filepath.Join(s.T().TempDir(), "settings.json"))
	s.Require().NoError(err)

	s.gateway, err = NewGateway(gateway.DefaultConfig(), gateway.Dependencies{
		Readings:     s.engine,
		Connectivity: s.tracker,
		Settings:     s.store,
		Health:       s.monitor,
		Dashboard:    s.board,
	})
	s.Require().NoError(err)
	s.server = httptest.NewServer(s.gateway.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.engineCh = make(chan error, 1)
	go func() { s.engineCh <- s.engine.Run(ctx) }()
}

func (s *GatewaySuite) TearDownTest() {
	s.server.Close()
	s.cancel()
	<-s.engineCh
	_ = s.store.Close()
}

func (s *GatewaySuite) submit(id string, value float64) {
	s.Require().NoError(s.engine.Submit(reconcile.Envelope{
		SensorID: sensor.ID(id),
		Payload:  sensor.Payload{"value": value},
		Source:   reconcile.SourcePoll,
	}))
}

func (s *GatewaySuite) waitForHistory(id string, n int) {
	s.Require().Eventually(func() bool {
		return len(s.engine.History(sensor.ID(id))) == n
	}, time.Second, 5*time.Millisecond)
}

func (s *GatewaySuite) get(path string, dst any) *http.Response {
	resp, err := http.Get(s.server.URL + path)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if dst != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(dst))
	}
	return resp
}

func (s *GatewaySuite) TestListSensors() {
	s.submit("1", 35)
	s.waitForHistory("1", 1)
	s.tracker.SetPushConnected(true)

	var body struct {
		Connected bool                   `json:"connected"`
		Count     int                    `json:"count"`
		Sensors   []reconcile.SensorView `json:"sensors"`
	}
	resp := s.get("/api/sensors", &body)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.NotEmpty(resp.Header.Get(requestIDHeader))
	s.True(body.Connected)
	s.Equal(2, body.Count)
	s.Require().Len(body.Sensors, 2)
	s.Equal(sensor.StatusCritical, body.Sensors[0].Status)
	s.Require().NotNil(body.Sensors[0].Reading)
	s.Equal(35.0, *body.Sensors[0].Reading.Value)
	s.True(body.Sensors[0].Online)
	s.Nil(body.Sensors[1].Reading)
	s.Equal(sensor.StatusUnknown, body.Sensors[1].Status)
}

func (s *GatewaySuite) TestSensorAndHistory() {
	for _, v := range []float64{20, 21, 22} {
		s.submit("1", v)
	}
	s.waitForHistory("1", 3)

	var view reconcile.SensorView
	resp := s.get("/api/sensors/1", &view)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(sensor.StatusNormal, view.Status)
	s.Equal("°C", view.Reading.Unit)

	var hist historyResponse
	resp = s.get("/api/sensors/1/history", &hist)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal([]float64{20, 21, 22}, hist.Values)

	resp = s.get("/api/sensors/2/history", &hist)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Empty(hist.Values)
	s.NotNil(hist.Values)

	resp = s.get("/api/sensors/99", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	resp = s.get("/api/sensors/99/history", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *GatewaySuite) TestConnectivity() {
	s.tracker.SetBroker("mosquitto", true)
	s.tracker.MarkPollSuccess()

	var snap health.Connectivity
	resp := s.get("/api/connectivity", &snap)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.True(snap.Connected)
	s.False(snap.PushConnected)
	s.NotNil(snap.LastPollAt)
	s.Require().Len(snap.Brokers, 1)
	s.Equal("mosquitto", snap.Brokers[0].Name)
}

func (s *GatewaySuite) TestUpdateSettings() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := s.store.Watch(ctx)
	s.Require().NoError(err)

	body := `{"brokerUrl": " tcp://broker.finca:1883 ", "topics": ["finca/#", ""]}`
	resp, err := http.Post(s.server.URL+"/api/settings", "application/json", strings.NewReader(body))
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	select {
	case st := <-updates:
		s.Equal("tcp://broker.finca:1883", st.BrokerURL)
		s.Equal([]string{"finca/#"}, st.Topics)
	case <-time.After(time.Second):
		s.Fail("settings change not published")
	}

	var saved settings.Settings
	resp = s.get("/api/settings", &saved)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("tcp://broker.finca:1883", saved.BrokerURL)
}

func (s *GatewaySuite) TestUpdateSettingsRejectsInvalid() {
	for _, body := range []string{`{"brokerUrl": "ftp://nope"}`, `not json`} {
		resp, err := http.Post(s.server.URL+"/api/settings", "application/json", strings.NewReader(body))
		s.Require().NoError(err)
		resp.Body.Close()
		s.Equal(http.StatusBadRequest, resp.StatusCode, body)
	}

	big := fmt.Sprintf(`{"brokerUrl": %q}`, strings.Repeat("a", gateway.DefaultMaxRequestSize))
	resp, err := http.Post(s.server.URL+"/api/settings", "application/json", strings.NewReader(big))
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func (s *GatewaySuite) TestHealth() {
	s.monitor.Update("push", health.NewUnhealthy("push", "down"))
	s.monitor.Update("poll", health.NewHealthy("poll", "ok"))

	var st health.Status
	resp := s.get("/health", &st)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.True(st.IsHealthy())

	s.monitor.Update("poll", health.NewUnhealthy("poll", "down"))
	resp = s.get("/health", &st)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	s.True(st.IsUnhealthy())
}

func (s *GatewaySuite) TestMethodNotAllowed() {
	for _, path := range []string{"/api/sensors", "/api/connectivity", "/api/sensors/1/history", "/health"} {
		resp, err := http.Post(s.server.URL+path, "application/json", nil)
		s.Require().NoError(err)

		var body map[string]any
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		s.Equal(http.StatusMethodNotAllowed, resp.StatusCode, path)
		s.Equal("method POST not allowed", body["error"], path)
	}
}

func (s *GatewaySuite) TestDashboard() {
	var body map[string]any
	resp := s.get("/api/dashboard", &body)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	s.board.Store(json.RawMessage(`{"lots":2,"crops":5}`))

	var dash struct {
		ReceivedAt string          `json:"receivedAt"`
		Data       json.RawMessage `json:"data"`
	}
	resp = s.get("/api/dashboard", &dash)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"lots":2,"crops":5}`, string(dash.Data))
	s.NotEmpty(dash.ReceivedAt)
}

func (s *GatewaySuite) TestUnknownRoutes() {
	for _, path := range []string{"/api/nope", "/nope"} {
		var body map[string]any
		resp := s.get(path, &body)
		s.Equal(http.StatusNotFound, resp.StatusCode, path)
		s.Equal("resource not found", body["error"], path)
	}
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(requestIDHeader, "existing-request-id-12345")
	assert.Equal(t, "existing-request-id-12345", getOrGenerateRequestID(req))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		require.NotEmpty(t, id)
		assert.False(t, ids[id], "duplicate request ID %s", id)
		ids[id] = true
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusInternalServerError},
		{"invalid", pkgerrors.WrapInvalid(pkgerrors.ErrInvalidConfig, "S", "Save", "validate"), http.StatusBadRequest},
		{"transient", pkgerrors.WrapTransient(pkgerrors.ErrStorageUnavailable, "S", "Save", "put"), http.StatusServiceUnavailable},
		{"timeout", pkgerrors.WrapTransient(pkgerrors.ErrConnectionTimeout, "S", "Save", "put"), http.StatusGatewayTimeout},
		{"not found", pkgerrors.ErrKeyNotFound, http.StatusNotFound},
		{"fatal", pkgerrors.WrapFatal(pkgerrors.ErrMissingConfig, "S", "Save", "put"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapErrorToHTTPStatus(tt.err))
		})
	}
}

func TestSanitizeError(t *testing.T) {
	err := pkgerrors.WrapTransient(fmt.Errorf("dial nats://10.0.0.4:4222"), "S", "Save", "put")
	assert.Equal(t, "service temporarily unavailable", sanitizeError(err))
	assert.Equal(t, "invalid request", sanitizeError(pkgerrors.WrapInvalid(pkgerrors.ErrInvalidConfig, "S", "V", "x")))
}

func TestNewGateway_RequiresDependencies(t *testing.T) {
	_, err := NewGateway(gateway.DefaultConfig(), gateway.Dependencies{})
	assert.True(t, pkgerrors.IsFatal(err))
}

func TestGateway_CORS(t *testing.T) {
	cfg := gateway.DefaultConfig()
	cfg.EnableCORS = true
	cfg.CORSOrigins = []string{"https://app.agrotic.co"}
	g, err := NewGateway(cfg, gateway.Dependencies{
		Readings:     reconcile.NewEngine(nil),
		Connectivity: health.NewTracker(nil),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/connectivity", nil)
	req.Header.Set("Origin", "https://app.agrotic.co")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://app.agrotic.co", rec.Header().Get("Access-Control-Allow-Origin"))
}

type refresherFunc func(ctx context.Context) error

func (f refresherFunc) RefreshSensors(ctx context.Context) error { return f(ctx) }

func TestGateway_Refresh(t *testing.T) {
	calls := 0
	g, err := NewGateway(gateway.DefaultConfig(), gateway.Dependencies{
		Readings:     reconcile.NewEngine(sensor.NewCatalog(sensor.Sensor{ID: "1", Type: "Temperatura"})),
		Connectivity: health.NewTracker(nil),
		Refresher: refresherFunc(func(context.Context) error {
			calls++
			if calls > 1 {
				return pkgerrors.WrapTransient(pkgerrors.ErrRateLimited, "Session", "RefreshSensors", "wait")
			}
			return nil
		}),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sensors/refresh", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count": 1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sensors/refresh", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
