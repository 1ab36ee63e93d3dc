package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthServer exposes the daemon's liveness and sync progress to
// operators.
type healthServer struct {
	store  *SQLiteStore
	queue  *SyncQueue
	logger *slog.Logger
}

func newHealthServer(store *SQLiteStore, queue *SyncQueue, logger *slog.Logger) *healthServer {
	return &healthServer{store: store, queue: queue, logger: logger}
}

func (h *healthServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Get("/healthz", h.handleHealthz)
	r.Get("/status", h.handleStatus)
	return r
}

func (h *healthServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusPayload struct {
	CursorSequence    uint64 `json:"cursorSequence"`
	QueuedTasks       int    `json:"queuedTasks"`
	PendingOperations int    `json:"pendingOperations"`
}

func (h *healthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cursor, err := h.store.LastEventSequence(ctx)
	if err != nil {
		h.logger.Error("status cursor read failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	pending, err := h.store.PendingOperationCount(ctx)
	if err != nil {
		h.logger.Error("status pending count failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	payload := statusPayload{
		CursorSequence:    cursor,
		QueuedTasks:       h.queue.Len(),
		PendingOperations: pending,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("status encode failed", "error", err)
	}
}

func (h *healthServer) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
