package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/coin_custody/internal/config"
	"github.com/congo-pay/coin_custody/internal/routes"
)

// Server wraps the Fiber application, shared dependencies and background workers.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services *routes.Services
	logger   *slog.Logger
	workers  chan struct{}
	stop     context.CancelFunc
}

// New builds the services, delegates route wiring to routes.Setup and starts
// the background workers.
func New(ctx context.Context, cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	deps := routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger}
	services, err := routes.NewServices(ctx, deps)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	if err := routes.Setup(app, deps, services); err != nil {
		services.Close()
		return nil, err
	}

	workerCtx, stop := context.WithCancel(context.Background())
	srv := &Server{app: app, cfg: cfg, services: services, logger: logger, workers: make(chan struct{}), stop: stop}
	go func() {
		defer close(srv.workers)
		services.Sweeper.Run(workerCtx)
	}()
	return srv, nil
}

// App exposes the fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then the background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.stop()
	select {
	case <-s.workers:
	case <-ctx.Done():
		s.logger.Warn("background workers did not stop in time")
	}
	s.services.Close()
	return err
}
