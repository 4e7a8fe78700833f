package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/demo-relay/internal/history"
	"github.com/alexjbarnes/demo-relay/internal/state"
)

// HandleHealth returns the /healthz handler.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}

// HandleUploads returns the /uploads handler. It re-reads the state file
// on every request.
func HandleUploads(src UploadSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		handled, err := src.Load()
		if err != nil {
			logger.Warn("status: reading state failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, err.Error())

			return
		}

		if handled == nil {
			handled = state.Handled{}
		}

		writeJSON(w, handled)
	}
}

// HandleAttempts returns the /attempts handler, most recent first.
func HandleAttempts(src AttemptSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		attempts, err := src.All()
		if err != nil {
			logger.Warn("status: reading history failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, err.Error())

			return
		}

		if attempts == nil {
			attempts = []history.Attempt{}
		}

		writeJSON(w, attempts)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": description})
}
