// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"courier/internal/http/handlers"
	"courier/internal/infra"
	"courier/internal/metrics"
)

type ServerDeps struct {
	Order    handlers.OrderService
	Location handlers.LocationService
	Guard    handlers.TenantGuard
	Pricing  handlers.ZoneService
	// Dispatch is optional; its routes are left out when nil.
	Dispatch handlers.DispatchService
	Verifier infra.TokenVerifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	order    handlers.OrderService
	location handlers.LocationService
	guard    handlers.TenantGuard
	pricing  handlers.ZoneService
	dispatch handlers.DispatchService
	verifier infra.TokenVerifier
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		order:    deps.Order,
		location: deps.Location,
		guard:    deps.Guard,
		pricing:  deps.Pricing,
		dispatch: deps.Dispatch,
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
		log:      log,
	}
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for at most shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
