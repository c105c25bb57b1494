// FilePath: server/ingest/internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/itsatony/vermihub/server/ingest/internal/broker"
	"github.com/itsatony/vermihub/server/ingest/internal/config"
	"github.com/itsatony/vermihub/server/ingest/internal/database"
	"github.com/itsatony/vermihub/server/ingest/internal/ingest"
	"github.com/itsatony/vermihub/server/ingest/internal/models"
	"github.com/itsatony/vermihub/server/ingest/internal/monitoring"
	"github.com/itsatony/vermihub/server/ingest/internal/relay"
	"github.com/itsatony/vermihub/server/ingest/internal/repository"
	"github.com/itsatony/vermihub/server/ingest/internal/repository/postgres"
	redisrepo "github.com/itsatony/vermihub/server/ingest/internal/repository/redis"
	"github.com/itsatony/vermihub/server/ingest/internal/state"
	"github.com/itsatony/vermihub/server/ingest/internal/throttle"
	nuts "github.com/vaudience/go-nuts"
)

const healthPingTimeout = 2 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// Server runs the ingestion pipeline and its health/metrics listener
type Server struct {
	router     *mux.Router
	config     *config.Config
	srv        *http.Server
	monitoring *monitoring.Service

	state      *state.Store
	store      pinger
	db         database.DB
	mirror     *redisrepo.StateMirror
	session    *broker.Client
	dispatcher *ingest.Dispatcher
}

// New creates a new server instance
func New(cfg *config.Config) *Server {
	router := mux.NewRouter()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.LoggingHandler(os.Stdout, router)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		router:     router,
		config:     cfg,
		srv:        srv,
		monitoring: monitoring.NewService(),
	}
}

// Start connects the store and broker, serves health and metrics, and blocks
// until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize pipeline
	if err := s.initializePipeline(ctx); err != nil {
		return err
	}

	// Setup routes
	s.setupRoutes()

	// Start server
	go func() {
		nuts.L.Infof("[Server] Starting health server on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			nuts.L.Errorf("[Server] Error starting server: %v", err)
			os.Exit(1)
		}
	}()

	return s.waitForShutdown()
}

func (s *Server) initializePipeline(ctx context.Context) error {
	cfg := s.config

	s.db = initStore(cfg.Database)
	s.store = s.db

	var mirror repository.StateMirror
	if cfg.Redis.Enabled() {
		s.mirror = redisrepo.NewStateMirror(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		if err := s.mirror.Ping(pingCtx); err != nil {
			nuts.L.Warnf("[Server] Redis not reachable yet, state mirror will retry on change: %v", err)
		}
		cancel()
		mirror = s.mirror
	}

	s.state = state.New(cfg.Ingest.DefaultCycleID, cfg.Ingest.Modes())
	gate := throttle.New(throttle.Config{
		MinInterval: cfg.Ingest.MinInterval,
		StreamIntervals: map[models.Stream]time.Duration{
			models.StreamWorms: cfg.Ingest.WormMinInterval,
		},
		Location: cfg.Ingest.Location(),
	})

	s.session = broker.New(cfg.Broker)
	engine := ingest.NewEngine(ingest.Deps{
		State:        s.state,
		Gate:         gate,
		Readings:     postgres.NewSensorReadingRepository(s.db),
		Worms:        postgres.NewWormActivityRepository(s.db),
		Logs:         postgres.NewReadingLogRepository(s.db),
		Relay:        relay.NewExtractor(s.session),
		Metrics:      s.monitoring,
		Mirror:       mirror,
		QueryTimeout: cfg.Database.QueryTimeout,
	})

	s.dispatcher = ingest.NewDispatcher(engine, cfg.Ingest.QueueSize)
	s.dispatcher.OnDrop(func(topic string, outcome ingest.Outcome) {
		s.monitoring.RecordMessage(topic, string(outcome))
	})

	nuts.L.Infof("[Server] Recording modes %v, layer window %s, worm window %s",
		cfg.Ingest.RecordingModes, cfg.Ingest.MinInterval, cfg.Ingest.WormMinInterval)
	return s.session.Start(ctx, ingest.TopicNames(), engine, s.dispatcher.Dispatch)
}

// waitForShutdown waits for interrupt signal and gracefully shuts down the server
func (s *Server) waitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	nuts.L.Infof("[Server] Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	return s.shutdown(ctx)
}

// shutdown stops the HTTP listener and then the pipeline. A listener error is
// reported but never skips the pipeline teardown.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	if err := s.srv.Shutdown(ctx); err != nil {
		nuts.L.Errorf("[Server] Error shutting down HTTP listener: %v", err)
		shutdownErr = fmt.Errorf("error shutting down server: %w", err)
	}

	s.teardown(ctx)
	if shutdownErr != nil {
		return shutdownErr
	}

	nuts.L.Infof("[Server] Server shut down successfully")
	return nil
}

// teardown stops intake before draining so nothing new is queued, then closes
// the stores. Every step runs even when an earlier one fails.
func (s *Server) teardown(ctx context.Context) {
	if s.session != nil {
		s.session.Close()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			nuts.L.Warnf("[Server] Dispatcher did not drain in time: %v", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			nuts.L.Warnf("[Server] Error closing redis: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			nuts.L.Warnf("[Server] Error closing database: %v", err)
		}
	}
}

// setupRoutes configures all routes for the server
func (s *Server) setupRoutes() {
	// API version prefix
	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Public routes
	v1.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)

	s.router.Handle(s.config.Monitoring.MetricsPath, s.monitoring.Handler()).Methods(http.MethodGet)
}

type healthResponse struct {
	Status          string              `json:"status"`
	Version         string              `json:"version"`
	BrokerConnected bool                `json:"broker_connected"`
	StoreReachable  bool                `json:"store_reachable"`
	Mode            models.ActivityMode `json:"mode"`
	CycleID         int64               `json:"cycle_id"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// handleHealth reports degraded with 503 while the broker is down or the
// store does not answer a ping.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.state.Snapshot()

		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		storeOK := s.store.Ping(ctx) == nil

		resp := healthResponse{
			Status:          "ok",
			Version:         nuts.GetVersion(),
			BrokerConnected: snap.Connected,
			StoreReachable:  storeOK,
			Mode:            snap.Mode,
			CycleID:         snap.CycleID,
			UpdatedAt:       snap.UpdatedAt,
		}
		code := http.StatusOK
		if !snap.Connected || !storeOK {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			nuts.L.Errorf("[Server] Failed to encode health response: %v", err)
		}
	}
}

func initStore(cfg config.DatabaseConfig) database.DB {
	db, err := database.NewPostgresDB(cfg.Postgres)
	if err != nil {
		nuts.L.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	// Set up connection timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		nuts.L.Fatalf("[Server] Failed to ping database: %v", err)
	}
	return db
}
