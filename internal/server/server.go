// Package server implements flockd, the long-running flock daemon.
//
// flockd tails the change log so that live queries see writes from other
// processes, keeps the engagement ranking materialized, and serves a gRPC
// health service plus an HTTP API with metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/flock/internal/app"
	"github.com/tOgg1/flock/internal/config"
	"github.com/tOgg1/flock/internal/events"
	"github.com/tOgg1/flock/internal/trends"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// DefaultGRPCAddr is the default health service address.
	DefaultGRPCAddr = "127.0.0.1:7450"

	// ServiceName is reported by the health service alongside "".
	ServiceName = "flock.Daemon"

	shutdownTimeout = 5 * time.Second
)

// Options overrides configured behavior.
type Options struct {
	// GRPCAddr overrides server.grpc_addr.
	GRPCAddr string

	// HTTPAddr overrides server.http_addr. "-" disables the HTTP API.
	HTTPAddr string

	// InMemory uses a private in-memory database.
	InMemory bool

	// Version is reported in /healthz.
	Version string
}

// Server is the flockd daemon.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	app          *app.App
	feed         *events.Feed
	materializer *trends.Materializer
	health       *health.Server
	started      time.Time

	mu       sync.RWMutex
	grpcAddr string
	httpAddr string
}

// New opens the store and builds the daemon. Run starts it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a, err := app.Open(ctx, cfg, app.Options{InMemory: opts.InMemory})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		opts:         opts,
		app:          a,
		feed:         a.NewFeed(),
		materializer: a.NewMaterializer(),
		health:       health.NewServer(),
	}
	s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// App returns the daemon's store and services.
func (s *Server) App() *app.App {
	return s.app
}

// Materializer returns the ranking kept current by Run.
func (s *Server) Materializer() *trends.Materializer {
	return s.materializer
}

// GRPCAddr returns the bound health service address once Run is listening.
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcAddr
}

// HTTPAddr returns the bound HTTP address once Run is listening.
func (s *Server) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// Run serves until ctx is cancelled. It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.grpcBindAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.grpcBindAddr(), err)
	}

	var httpLis net.Listener
	if addr := s.httpBindAddr(); addr != "" {
		httpLis, err = net.Listen("tcp", addr)
		if err != nil {
			_ = grpcLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	s.mu.Lock()
	s.grpcAddr = grpcLis.Addr().String()
	if httpLis != nil {
		s.httpAddr = httpLis.Addr().String()
	}
	s.started = time.Now()
	s.mu.Unlock()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)

	var httpServer *http.Server
	if httpLis != nil {
		httpServer = &http.Server{
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	feedStarted := false
	if err := s.feed.Start(gctx); err != nil {
		s.logger.Warn().Err(err).Msg("change feed unavailable; only local writes reach live queries")
	} else {
		feedStarted = true
	}

	g.Go(func() error {
		if err := s.materializer.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("materializer: %w", err)
		}
		return nil
	})

	s.checkHealth(gctx)

	s.logger.Info().
		Str("grpc_addr", s.GRPCAddr()).
		Str("http_addr", s.HTTPAddr()).
		Str("database", s.app.DB.Path()).
		Msg("flockd listening")

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info().Msg("flockd shutting down")
		s.health.Shutdown()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn().Err(err).Msg("http shutdown")
			}
			cancel()
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}

		if feedStarted {
			_ = s.feed.Stop()
		}
		return nil
	})

	return g.Wait()
}

// Close releases the store. Call it after Run returns.
func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) checkHealth(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.app.DB.PingContext(pingCtx); err != nil {
		s.logger.Warn().Err(err).Msg("database ping failed; reporting not serving")
		s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setServing(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) grpcBindAddr() string {
	if s.opts.GRPCAddr != "" {
		return s.opts.GRPCAddr
	}
	if s.cfg.Server.GRPCAddr != "" {
		return s.cfg.Server.GRPCAddr
	}
	return DefaultGRPCAddr
}

func (s *Server) httpBindAddr() string {
	switch s.opts.HTTPAddr {
	case "-":
		return ""
	case "":
		return s.cfg.Server.HTTPAddr
	default:
		return s.opts.HTTPAddr
	}
}
