// Package api hosts the dispatch service's transports: the WebSocket
// gateway, the REST endpoints, the gRPC position feed and /metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"quickcommerce/internal/config"
	"quickcommerce/internal/domain"
	"quickcommerce/internal/engine"
	"quickcommerce/internal/live"
	"quickcommerce/internal/notify"
	"quickcommerce/internal/session"
	"quickcommerce/internal/store"
)

// Authenticator resolves a credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.Identity, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Engine   *engine.Engine
	Tracker  *live.Tracker
	Registry *session.Registry
	Emitter  notify.Emitter
	Auth     Authenticator
	Metrics  *Metrics

	// Optional background workers.
	Archive *store.PositionArchive
	Relay   *notify.Relay
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	tracker  *live.Tracker
	registry *session.Registry
	emitter  notify.Emitter
	auth     Authenticator
	metrics  *Metrics
	archive  *store.PositionArchive
	relay    *notify.Relay
	frames   map[string]frameHandler
	log      *slog.Logger
}

// NewServer creates a new Server configured from the given Config.
func NewServer(cfg *config.Config, deps Deps, log *slog.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Emitter == nil {
		deps.Emitter = notify.Nop{}
	}
	s := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		tracker:  deps.Tracker,
		registry: deps.Registry,
		emitter:  deps.Emitter,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		archive:  deps.Archive,
		relay:    deps.Relay,
		log:      log,
	}
	s.frames = s.frameHandlers()
	return s
}

// Handler returns the HTTP routes with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.Handle("GET /ws", s.wsHandler())
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": s.registry.Count(),
		})
	})
	return corsMiddleware(mux)
}

// GRPCServer builds the gRPC server carrying the position feed.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer()
	live.NewServer(s.tracker.Model(), s.auth, s.cfg.Tracking.FeedBuffer, s.log).RegisterGRPC(gs)
	return gs
}

// ListenAndServe starts the HTTP and gRPC listeners plus the archive flusher
// and relay consumer, and blocks until the context is cancelled or one of
// them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	grpcAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.GRPCPort)

	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := s.GRPCServer()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		s.log.Info("grpc listening", "addr", grpcAddr)
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if s.archive != nil {
		g.Go(func() error {
			return s.archive.Run(ctx, s.cfg.Tracking.ArchiveFlushInterval, func(err error) {
				s.log.Warn("position archive flush failed", "error", err)
			})
		})
	}

	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Consume(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown(httpSrv, grpcSrv)
	})

	return g.Wait()
}

// Shutdown stops accepting connections and waits briefly for in-flight
// requests. Hijacked WebSocket connections are not tracked by http.Server,
// so they are closed through the registry's sinks.
func (s *Server) Shutdown(httpSrv *http.Server, grpcSrv *grpc.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.log.Info("shutting down")

	// Feed watchers stay subscribed until they disconnect; force them off
	// once the grace period is over.
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()

	err := httpSrv.Shutdown(shutdownCtx)

	// Every connection sits in exactly one role room.
	for _, role := range domain.Roles {
		for _, rcpt := range s.registry.Recipients(session.RoleRoom(role)) {
			if c, ok := rcpt.Sink.(*wsClient); ok {
				c.close()
			}
		}
	}

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
