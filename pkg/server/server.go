// Package server assembles the node's HTTP surface: the JSON-RPC
// endpoint with SSE streaming, agent card discovery, health, and
// metrics, behind the configured middleware chain.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conclave-ai/conclave/pkg/a2a"
	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/observability"
	"github.com/conclave-ai/conclave/pkg/transport"
)

// Options collects the server's collaborators. Service and Config are
// required; everything else degrades gracefully when absent.
type Options struct {
	Config  *config.Config
	Service transport.Service

	// ActiveTasks feeds the health endpoint. Nil reports zero.
	ActiveTasks func() int

	// Validator enables JWT auth on the RPC endpoint and the extended
	// card. Nil serves everything anonymously.
	Validator auth.TokenValidator

	// Observability is initialized by the server on Start and shut down
	// on Shutdown. Nil disables tracing and metrics.
	Observability *observability.Manager

	// Closer is released after the listener drains; the runtime hangs
	// its broker, stores, and synchronizer off this.
	Closer io.Closer

	Logger *slog.Logger
}

// Server is the node's HTTP front. It owns the listener lifecycle; the
// task runtime behind it is reached only through the Service interface.
type Server struct {
	cfg         *config.Config
	cards       *Cards
	activeTasks func() int
	obs         *observability.Manager
	closer      io.Closer
	logger      *slog.Logger

	handler    http.Handler
	httpServer *http.Server
	started    time.Time
}

// New builds the server and its router. It does not listen yet.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         opts.Config,
		cards:       NewCards(opts.Config),
		activeTasks: opts.ActiveTasks,
		obs:         opts.Observability,
		closer:      opts.Closer,
		logger:      logger,
	}

	dispatcher := transport.NewDispatcher(transport.DispatcherOptions{
		Service:   opts.Service,
		Cards:     s.cards,
		Logger:    logger,
		Streaming: true,
		Keepalive: opts.Config.Server.StreamKeepalive,
	})
	s.handler = s.routes(dispatcher, opts.Validator)
	return s, nil
}

// Handler exposes the assembled router (tests mount it on httptest).
func (s *Server) Handler() http.Handler { return s.handler }

// routes wires the chi router and middleware chain. Discovery, health,
// and metrics stay outside auth; the RPC endpoint and the extended card
// sit behind it.
func (s *Server) routes(dispatcher *transport.Dispatcher, validator auth.TokenValidator) http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	if s.cfg.Server.CORS != nil {
		r.Use(corsHandler(s.cfg.Server.CORS))
	}
	if s.obs != nil {
		metrics := s.obs.Metrics()
		tracer := s.obs.Tracer(observability.DefaultServiceName)
		r.Use(observability.HTTPMiddleware(tracer, metrics))
	}

	if validator != nil {
		excluded := []string{a2a.AgentCardPath, "/health", "/metrics"}
		require := true
		if authCfg := s.cfg.Server.Auth; authCfg != nil {
			excluded = append(excluded, authCfg.ExcludedPaths...)
			require = authCfg.IsRequireAuth()
		}
		r.Use(auth.Middleware(validator, auth.MiddlewareOptions{
			ExcludedPaths: excluded,
			Require:       require,
		}))
	}

	r.Get(a2a.AgentCardPath, s.handlePublicCard)
	r.Get("/agent/authenticatedExtendedCard", s.handleExtendedCard(validator))
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	rpcPath := s.cfg.Server.RPCPath
	if rpcPath == "" {
		rpcPath = "/"
	}
	r.Handle(rpcPath, dispatcher)

	return r
}

// Start runs the listener until the context is canceled or the listener
// fails. Observability is brought up first so the middleware records
// from the first request.
func (s *Server) Start(ctx context.Context) error {
	if s.obs != nil {
		if err := s.obs.Initialize(ctx); err != nil {
			return fmt.Errorf("observability init failed: %w", err)
		}
	}

	s.started = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Address(),
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening",
			"addr", s.httpServer.Addr, "rpc_path", s.cfg.Server.RPCPath)
		var err error
		if tls := s.cfg.Server.TLS; tls != nil && config.BoolValue(tls.Enabled, false) {
			err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown drains the listener (open SSE streams end when their request
// contexts are cut), then releases the runtime and observability.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("runtime close: %w", err))
		}
	}
	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability shutdown: %w", err))
		}
	}
	if len(errs) == 0 {
		s.logger.Info("Server stopped")
	}
	return errors.Join(errs...)
}

func (s *Server) handlePublicCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, s.cards.Public())
}

// handleExtendedCard serves the authenticated card. With a validator in
// play the middleware may still have admitted an anonymous request when
// auth is optional, so presence of claims is checked here.
func (s *Server) handleExtendedCard(validator auth.TokenValidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if validator != nil {
			if auth.ClaimsFromContext(r.Context()) == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				resp := a2a.NewErrorResponse(nil,
					a2a.ErrAuthenticationRequired.WithData("extended card requires authentication"))
				_ = writeJSON(w, resp)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, s.cards.ExtendedCard())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.activeTasks != nil {
		active = s.activeTasks()
	}
	uptime := 0.0
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = writeJSON(w, map[string]any{
		"status":         "ok",
		"tasks_active":   active,
		"uptime_seconds": int64(uptime),
	})
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}
