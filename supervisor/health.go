package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
)

// Version is stamped at build time via ldflags.
var Version = "dev"

func (s *Supervisor) serveHealth(ctx context.Context) error {
	logger := httplog.NewLogger("relay-ops-monitor", httplog.Options{
		Concise: true,
	})

	mux := chi.NewRouter()
	mux.Use(httplog.RequestLogger(logger))
	mux.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Healthy(r.Context()); err != nil {
			s.log.WithError(err).Error("health check failed")
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprintf(w, "relay-ops-monitor %s: unhealthy\n", Version)
			return
		}
		fmt.Fprintf(w, "relay-ops-monitor %s: ok\n", Version)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("health server: %w", err)
	}
}
