// Package server provides the read-only status endpoint for demo-relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/demo-relay/internal/history"
	"github.com/alexjbarnes/demo-relay/internal/state"
)

// UploadSource reads the persisted set of uploaded demos.
type UploadSource interface {
	Load() (state.Handled, error)
}

// AttemptSource reads the attempt history.
type AttemptSource interface {
	All() ([]history.Attempt, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Uploads  UploadSource
	Attempts AttemptSource
	Logger   *slog.Logger
}

// NewMux builds the status mux: a liveness probe, the uploaded demos, and
// the attempt history.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HandleHealth())
	mux.HandleFunc("/uploads", HandleUploads(cfg.Uploads, cfg.Logger))
	mux.HandleFunc("/attempts", HandleAttempts(cfg.Attempts, cfg.Logger))

	return mux
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting status server", slog.String("listen", addr))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}

	return nil
}
