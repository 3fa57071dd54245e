// Package api provides the control-plane HTTP and WebSocket server (C8):
// strategy CRUD, system status, position operations, and push telemetry.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hivebot/orchestrator/internal/hiveerr"
	"github.com/hivebot/orchestrator/internal/lifecycle"
	"github.com/hivebot/orchestrator/pkg/types"
)

// Registry is the strategy registry surface (C5) the server drives.
type Registry interface {
	Create(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error)
	Update(ctx context.Context, cfg types.StrategyConfig) (types.StrategyInstance, error)
	Delete(ctx context.Context, name string, opts types.DeleteOptions) (types.CleanupReport, error)
	Get(name string) (types.StrategyInstance, bool)
	List() []types.StrategyInstance
}

// Reconciler is the position reconciler surface (C7) the server drives.
type Reconciler interface {
	Positions() []types.Position
	Cycle(ctx context.Context) error
	ForceClose(ctx context.Context, strategyName string) (types.CleanupReport, error)
}

// MirrorStatus reports the remote mirror's (C2) health for /api/status and
// backs POST /api/sync-from-postgres.
type MirrorStatus interface {
	Enabled() bool
	DropCount() int64
	LoadConfigsFromRemote(ctx context.Context) ([]types.StrategyConfig, error)
}

// Server is the HTTP/WebSocket control-plane API server.
type Server struct {
	logger        *zap.Logger
	config        types.ServerConfig
	router        *mux.Router
	httpServer    *http.Server
	metricsServer *http.Server
	upgrader      websocket.Upgrader
	hub           *Hub

	registry   Registry
	reconciler Reconciler
	connector  adapterStatus
	mirror     MirrorStatus

	metrics *Metrics
}

// adapterStatus is the narrow slice of the connector multiplexer the
// status endpoint needs: balance and a liveness signal.
type adapterStatus interface {
	AdapterBalance(ctx context.Context) (value, withdrawable decimal.Decimal, err error)
}

// Metrics are the Prometheus counters/gauges exposed at /metrics.
type Metrics struct {
	TicksTotal         *prometheus.CounterVec
	AdapterRetries     prometheus.Counter
	MirrorDroppedTotal prometheus.Gauge
	registry           *prometheus.Registry
}

// NewMetrics constructs a fresh Metrics set registered against its own
// registry, avoiding the global default registry so tests can construct
// independent Servers without collector-already-registered panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivebot_strategy_ticks_total",
			Help: "Total strategy scheduler ticks by strategy name and outcome.",
		}, []string{"strategy", "outcome"}),
		AdapterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hivebot_adapter_retries_total",
			Help: "Total transient adapter call retries.",
		}),
		MirrorDroppedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hivebot_mirror_dropped_events",
			Help: "Total events dropped from the remote mirror's queue on overflow.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.TicksTotal, m.AdapterRetries, m.MirrorDroppedTotal)
	return m
}

// ObserveTick implements scheduler.TickRecorder.
func (m *Metrics) ObserveTick(strategyName string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.TicksTotal.WithLabelValues(strategyName, outcome).Inc()
}

// ObserveAdapterRetry implements connector.RetryRecorder.
func (m *Metrics) ObserveAdapterRetry() {
	m.AdapterRetries.Inc()
}

// NewServer constructs a Server wired to the core components. conn is the
// narrow interface the status endpoint uses for adapter balance.
func NewServer(logger *zap.Logger, config types.ServerConfig, registry Registry, reconciler Reconciler, conn adapterStatus, mirror MirrorStatus, metrics *Metrics) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		config:     config,
		router:     mux.NewRouter(),
		registry:   registry,
		reconciler: reconciler,
		connector:  conn,
		mirror:     mirror,
		metrics:    metrics,
		hub:        NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// Hub exposes the push-telemetry hub so other components (scheduler,
// connector, registry) can broadcast without the server package depending
// on them.
func (s *Server) Hub() *Hub { return s.hub }

// Router exposes the underlying mux.Router directly, without the CORS
// wrapper Start applies, for use in tests via httptest.NewServer.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")

	s.router.HandleFunc("/api/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/strategies", s.handleCreateStrategy).Methods("POST")
	s.router.HandleFunc("/api/strategies/{name}", s.handleUpdateStrategy).Methods("PUT")
	s.router.HandleFunc("/api/strategies/{name}", s.handleDeleteStrategy).Methods("DELETE")

	s.router.HandleFunc("/api/positions", s.handleListPositions).Methods("GET")
	s.router.HandleFunc("/api/positions/force-sync", s.handleForceSync).Methods("POST")
	s.router.HandleFunc("/api/positions/force-close", s.handleForceClose).Methods("POST")
	s.router.HandleFunc("/api/positions/debug", s.handlePositionsDebug).Methods("GET")

	s.router.HandleFunc("/api/sync-from-postgres", s.handleSyncFromPostgres).Methods("POST")

	wsPath := s.config.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.handleWebSocket)
}

// Start runs the HTTP server until it is stopped, wrapping the router in
// permissive CORS per the control-plane's cross-origin dashboard contract.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.hub.Run()

	if s.config.MetricsPort > 0 {
		go s.startMetricsServer()
	}

	s.logger.Info("starting control-plane API", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// startMetricsServer runs /metrics on its own port, separate from the API
// port, so a dashboard scraping metrics never contends with control-plane
// traffic.
func (s *Server) startMetricsServer() {
	mr := mux.NewRouter()
	mr.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.metricsServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.MetricsPort),
		Handler: mr,
	}
	if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Warn("metrics server stopped", zap.Error(err))
	}
}

// Stop gracefully shuts down the HTTP listener and the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if host, err := lifecycle.ReadHostMetrics(); err == nil {
		resp["host"] = host
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.mirror != nil {
		s.metrics.MirrorDroppedTotal.Set(float64(s.mirror.DropCount()))
	}
	promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	instances := s.registry.List()
	running, errored := 0, 0
	for _, inst := range instances {
		switch inst.Status {
		case types.StatusRunning:
			running++
		case types.StatusError:
			errored++
		}
	}

	connectorAvailable := true
	var balanceValue string
	if s.connector != nil {
		value, _, err := s.connector.AdapterBalance(r.Context())
		if err != nil {
			connectorAvailable = false
		} else {
			balanceValue = value.String()
		}
	}

	mirrorEnabled := s.mirror != nil && s.mirror.Enabled()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"system": map[string]interface{}{
			"connector_available": connectorAvailable,
			"remote_mirror_enabled": mirrorEnabled,
		},
		"strategies": map[string]interface{}{
			"total":   len(instances),
			"running": running,
			"errored": errored,
		},
		"connector": map[string]interface{}{
			"status":          statusLabel(connectorAvailable),
			"balance":         balanceValue,
			"positions_count": len(s.reconciler.Positions()),
		},
		"remote_mirror": map[string]interface{}{
			"connected": mirrorEnabled,
			"last_sync": time.Now().UTC(),
		},
	})
}

func statusLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "unavailable"
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": s.registry.List()})
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	inst, err := s.registry.Create(r.Context(), cfg)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.hub.BroadcastStrategyStatus(inst)
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	name := mux.Vars(r)["name"]

	var cfg types.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg.Name = name
	cfg.UpdatedAt = time.Now()

	inst, err := s.registry.Update(r.Context(), cfg)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	s.hub.BroadcastStrategyStatus(inst)
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	name := mux.Vars(r)["name"]

	opts := types.DeleteOptions{
		ClosePositions: r.URL.Query().Get("close_positions") == "true",
		CancelOrders:   r.URL.Query().Get("cancel_orders") == "true",
	}

	report, err := s.registry.Delete(r.Context(), name, opts)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if opts.ClosePositions {
		closeReport, closeErr := s.reconciler.ForceClose(r.Context(), name)
		report.PositionsClosed += closeReport.PositionsClosed
		report.Errors = append(report.Errors, closeReport.Errors...)
		if closeErr != nil {
			report.Errors = append(report.Errors, closeErr.Error())
		}
	}

	// The strategy is detached at this point; cleanup failures are reported
	// in cleanup.errors without turning success false.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"cleanup":   report,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": s.reconciler.Positions()})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	if err := s.reconciler.Cycle(r.Context()); err != nil {
		writeTypedError(w, err)
		return
	}
	positions := s.reconciler.Positions()
	for _, p := range positions {
		s.hub.BroadcastPositionUpdate(p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	var body struct {
		StrategyName string `json:"strategy_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := s.reconciler.ForceClose(r.Context(), body.StrategyName)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   len(report.Errors) == 0,
		"cleanup":   report,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePositionsDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions":  s.reconciler.Positions(),
		"strategies": s.registry.List(),
	})
}

// handleSyncFromPostgres reloads strategy_configs from the remote mirror
// and creates any missing ones locally, used after a supervisor-driven
// change made on a different instance sharing the same Postgres.
func (s *Server) handleSyncFromPostgres(w http.ResponseWriter, r *http.Request) {
	if !requireWallet(w, r) {
		return
	}
	if s.mirror == nil || !s.mirror.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "created": []string{}})
		return
	}

	remote, err := s.mirror.LoadConfigsFromRemote(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	var created []string
	for _, cfg := range remote {
		if _, exists := s.registry.Get(cfg.Name); exists {
			continue
		}
		inst, err := s.registry.Create(r.Context(), cfg)
		if err != nil {
			s.logger.Warn("sync-from-postgres: failed to create strategy", zap.String("name", cfg.Name), zap.Error(err))
			continue
		}
		s.hub.BroadcastStrategyStatus(inst)
		created = append(created, cfg.Name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "created": created})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func requireWallet(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Wallet-Address") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "X-Wallet-Address header required"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeTypedError maps a hiveerr.Error to its HTTP status: operator-
// surfaced kinds become 4xx, everything else is a 500.
func writeTypedError(w http.ResponseWriter, err error) {
	kind := hiveerr.KindOf(err)
	if !hiveerr.IsOperatorSurfaced(kind) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch kind {
	case hiveerr.KindDuplicateName:
		writeError(w, http.StatusConflict, err)
	case hiveerr.KindUnknownStrategy:
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
