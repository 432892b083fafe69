// Package worker provides the relay worker service: the HTTP/WebSocket
// surface over session streaming, persistence, and post-processing.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/relay/internal/agent"
	"github.com/thebtf/relay/internal/assemble"
	"github.com/thebtf/relay/internal/config"
	gormdb "github.com/thebtf/relay/internal/db/gorm"
	"github.com/thebtf/relay/internal/postproc"
	"github.com/thebtf/relay/internal/worker/registry"
	"github.com/thebtf/relay/internal/worker/stream"
)

// dataStore unions the store wrappers so a single value satisfies the
// coordinator, assembler, and post-processing persistence interfaces.
type dataStore struct {
	*gormdb.SessionStore
	*gormdb.MessageStore
	*gormdb.MemoryStore
}

// Service is the worker service.
type Service struct {
	version string
	config  *config.Config

	store *gormdb.Store
	data  *dataStore

	registry  *registry.Registry
	coord     *stream.Coordinator
	scheduler *postproc.Scheduler

	router     chi.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	ready     atomic.Bool
	startTime time.Time

	wsConnects metric.Int64Counter
}

// NewService wires the worker service together.
func NewService(version string, cfg *config.Config, store *gormdb.Store, adapter agent.Adapter) (*Service, error) {
	data := &dataStore{
		SessionStore: gormdb.NewSessionStore(store),
		MessageStore: gormdb.NewMessageStore(store),
		MemoryStore:  gormdb.NewMemoryStore(store),
	}

	assembler, err := assemble.New(data, assemble.Config{
		TokenBudget: cfg.ContextTokenBudget,
		MaxMessages: cfg.ContextMessages,
		Model:       cfg.Model,
		MaxTurns:    cfg.MaxTurns,
	})
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	scheduler := postproc.New(data, postproc.NewAdapterGenerator(adapter, cfg.SummaryModel), cfg.PostProcWorkers)
	coord := stream.New(adapter, assembler, data, reg, scheduler, cfg.Model)

	ctx, cancel := context.WithCancel(context.Background())
	meter := otel.Meter("relay/worker")
	wsConnects, _ := meter.Int64Counter("relay.ws.connects")

	svc := &Service{
		version:   version,
		config:    cfg,
		store:     store,
		data:      data,
		registry:  reg,
		coord:     coord,
		scheduler: scheduler,
		router:    chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
		wsConnects: wsConnects,
	}

	svc.setupRoutes()
	return svc, nil
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/ws", s.handleWS)

		r.Post("/api/projects", s.handleCreateProject)
		r.Get("/api/projects/{projectID}/memory", s.handleListMemory)

		r.Post("/api/sessions", s.handleCreateSession)
		r.Get("/api/sessions", s.handleListSessions)
		r.Get("/api/sessions/{sessionID}/messages", s.handleListMessages)
		r.Post("/api/sessions/{sessionID}/messages", s.handleSubmit)
		r.Post("/api/sessions/{sessionID}/stop", s.handleStop)
	})
}

// requireReady rejects requests until the service is ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Service) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)

	log.Info().Str("addr", addr).Str("version", s.version).Msg("Worker service listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting work, tells clients, and drains background jobs.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.registry.BroadcastAll(map[string]string{"type": "shutdown"})
	s.cancel()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.scheduler.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Router exposes the handler for tests.
func (s *Service) Router() http.Handler {
	return s.router
}
