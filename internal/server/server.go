// Package server is the per-process HTTP status listener: a liveness probe
// and two read-only JSON endpoints. Everything that mutates state goes over
// the bus, never HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tidebot/internal/server/handler"
	"tidebot/internal/server/middleware"
)

// Config holds the listener settings.
type Config struct {
	ListenAddr string
}

// Handlers aggregates the endpoint handlers the server registers.
type Handlers struct {
	Status     *handler.StatusHandler
	Portfolios *handler.PortfolioHandler
}

// Server is the read-only HTTP status listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes and the logging middleware.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.Status.Healthz)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	if handlers.Portfolios != nil {
		mux.HandleFunc("GET /api/portfolios", handlers.Portfolios.ListPortfolios)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status listener up", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}
