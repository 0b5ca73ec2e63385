// Package http serves the engine's live state over a read-only JSON API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/gateway"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

// SystemName labels the aggregate health report.
const SystemName = "agrotic-telemetry"

const requestIDHeader = "X-Request-ID"

// getOrGenerateRequestID extracts the request ID from headers or generates a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get(requestIDHeader); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Gateway serves the HTTP API
type Gateway struct {
	config    gateway.Config
	deps      gateway.Dependencies
	logger    *slog.Logger
	accessLog io.Writer
	handler   http.Handler

	mu     sync.Mutex
	server *http.Server

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAccessLogWriter sets where access log lines go when enabled.
func WithAccessLogWriter(w io.Writer) Option {
	return func(g *Gateway) {
		if w != nil {
			g.accessLog = w
		}
	}
}

// NewGateway creates the API. Readings and Connectivity are required.
func NewGateway(config gateway.Config, deps gateway.Dependencies, opts ...Option) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "config validation")
	}
	if deps.Readings == nil || deps.Connectivity == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"readings and connectivity are required")
	}

	g := &Gateway{
		config:    config,
		deps:      deps,
		logger:    slog.Default(),
		accessLog: os.Stdout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "http-gateway")
	g.handler = g.buildHandler()
	return g, nil
}

// Handler returns the API handler with all middleware applied.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(g.requestMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sensors", g.handleSensors).Methods(http.MethodGet)
	api.HandleFunc("/sensors/refresh", g.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/sensors/{id}", g.handleSensor).Methods(http.MethodGet)
	api.HandleFunc("/sensors/{id}/history", g.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/connectivity", g.handleConnectivity).Methods(http.MethodGet)
	api.HandleFunc("/dashboard", g.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/settings", g.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", g.handlePostSettings).Methods(http.MethodPost)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)

	// subrouters do not inherit these from the root router
	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = http.HandlerFunc(g.handleNotFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(g.handleMethodNotAllowed)
	}

	var h http.Handler = r
	if g.config.EnableCORS {
		h = handlers.CORS(
			handlers.AllowedOrigins(g.config.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", "Authorization", requestIDHeader}),
			handlers.MaxAge(3600),
		)(h)
	}
	h = handlers.CompressHandler(h)
	if g.config.AccessLog {
		h = handlers.CombinedLoggingHandler(g.accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{g.logger}))(h)
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	g.writeError(w, http.StatusNotFound, "resource not found")
}

func (g *Gateway) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	g.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
}

// requestMiddleware tags every response with a request ID and counts it.
func (g *Gateway) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(requestIDHeader, getOrGenerateRequestID(r))
		g.requestsTotal.Add(1)
		next.ServeHTTP(w, r)
	})
}

type sensorsResponse struct {
	Connected bool                   `json:"connected"`
	Sensors   []reconcile.SensorView `json:"sensors"`
	Count     int                    `json:"count"`
	Time      string                 `json:"time"`
}

func (g *Gateway) handleSensors(w http.ResponseWriter, _ *http.Request) {
	views := g.deps.Readings.Views(g.deps.Connectivity)
	g.writeJSON(w, http.StatusOK, sensorsResponse{
		Connected: g.deps.Connectivity.Snapshot().Connected,
		Sensors:   views,
		Count:     len(views),
		Time:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) handleSensor(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(mux.Vars(r)["id"])
	view, ok := g.deps.Readings.View(id, g.deps.Connectivity)
	if !ok {
		g.writeError(w, http.StatusNotFound, "sensor not found")
		return
	}
	g.writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if g.deps.Refresher == nil {
		g.writeError(w, http.StatusServiceUnavailable, "catalogue refresh not configured")
		return
	}
	if err := g.deps.Refresher.RefreshSensors(r.Context()); err != nil {
		g.writeFailure(w, err)
		return
	}
	views := g.deps.Readings.Views(g.deps.Connectivity)
	g.writeJSON(w, http.StatusOK, map[string]int{"count": len(views)})
}

type historyResponse struct {
	SensorID sensor.ID `json:"sensorId"`
	Values   []float64 `json:"values"`
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := sensor.ID(mux.Vars(r)["id"])
	if _, ok := g.deps.Readings.View(id, nil); !ok {
		g.writeError(w, http.StatusNotFound, "sensor not found")
		return
	}
	values := g.deps.Readings.History(id)
	if values == nil {
		values = []float64{}
	}
	g.writeJSON(w, http.StatusOK, historyResponse{SensorID: id, Values: values})
}

func (g *Gateway) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.deps.Connectivity.Snapshot())
}

type dashboardResponse struct {
	ReceivedAt string          `json:"receivedAt"`
	Data       json.RawMessage `json:"data"`
}

func (g *Gateway) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	if g.deps.Dashboard == nil {
		g.writeError(w, http.StatusServiceUnavailable, "push channel not configured")
		return
	}
	raw, at, ok := g.deps.Dashboard.Latest()
	if !ok {
		g.writeError(w, http.StatusNotFound, "no dashboard update received")
		return
	}
	g.writeJSON(w, http.StatusOK, dashboardResponse{
		ReceivedAt: at.UTC().Format(time.RFC3339),
		Data:       raw,
	})
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if g.deps.Settings == nil {
		g.writeError(w, http.StatusServiceUnavailable, "settings store not configured")
		return
	}
	st, err := g.deps.Settings.Load(r.Context())
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, st.Normalize())
}

func (g *Gateway) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	if g.deps.Settings == nil {
		g.writeError(w, http.StatusServiceUnavailable, "settings store not configured")
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.config.MaxRequestSize))
		return
	}

	var st settings.Settings
	if err := json.Unmarshal(body, &st); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st = st.Normalize()
	if err := g.deps.Settings.Save(r.Context(), st); err != nil {
		g.writeFailure(w, err)
		return
	}
	g.logger.Info("broker settings updated", "broker", st.BrokerURL, "topics", st.Topics)
	g.writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if g.deps.Health == nil {
		g.writeJSON(w, http.StatusOK, health.NewHealthy(SystemName, "running"))
		return
	}
	st := g.deps.Health.AggregateHealth(SystemName)
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, st)
}

// Run serves the API until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.server != nil {
		g.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Run", "start http gateway")
	}
	srv := &http.Server{
		Addr:              g.config.Address,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       g.config.ReadTimeout,
		WriteTimeout:      g.config.WriteTimeout,
	}
	g.server = srv
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.server = nil
		g.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.logger.Info("http gateway listening", "address", g.config.Address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("http gateway shutdown incomplete", "error", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "Gateway", "Run", fmt.Sprintf("listen on %s", g.config.Address))
		}
		return nil
	}
}

// Health reports the gateway's request counters.
func (g *Gateway) Health() health.Status {
	g.mu.Lock()
	running := g.server != nil
	g.mu.Unlock()

	st := health.NewDegraded("http-gateway", "not serving")
	if running {
		st = health.NewHealthy("http-gateway", "serving")
	}
	return st.WithMetrics(&health.Metrics{
		ErrorCount:       int(g.requestsFailed.Load()),
		PayloadsReceived: int64(g.requestsTotal.Load()),
	})
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	if errors.IsInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.Is(err, errors.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	if errors.IsTransient(err) {
		if errors.Is(err, errors.ErrConnectionTimeout) || strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, errors.ErrKeyNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a safe error message for external clients
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.Is(err, errors.ErrRateLimited):
		return "too many requests"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	case errors.Is(err, errors.ErrKeyNotFound):
		return "resource not found"
	}
	return "internal server error"
}

func (g *Gateway) writeFailure(w http.ResponseWriter, err error) {
	g.logger.Warn("request failed", "error", err)
	g.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
	if statusCode < 400 {
		g.requestsSuccess.Add(1)
	} else {
		g.requestsFailed.Add(1)
	}
}

// writeError writes an error response
func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.requestsFailed.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}

// recoveryLogger routes recovered panics to slog.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic serving request", "panic", fmt.Sprint(v...))
}
