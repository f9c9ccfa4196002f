package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/pipeline"
	"github.com/sells-group/fundsync/internal/resilience"
)

var servePort int

// batchService is the part of the orchestrator the HTTP surface needs.
type batchService interface {
	Submit(ctx context.Context, req pipeline.BatchRequest) (string, error)
	Status(batchID string) (*model.BatchTask, error)
	Cancel(batchID string) error
	Breakers() map[string]resilience.CircuitState
}

var _ batchService = (*pipeline.Orchestrator)(nil)

// pinger reports store health. Nil skips the check.
type pinger interface {
	Ping(ctx context.Context) error
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the batch submission server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Orchestrator, env.Store, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go env.Monitor.Run(ctx)

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(svc batchService, db pinger, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &batchHandler{svc: svc, db: db}
	r.Get("/health", h.health)
	r.Route("/batches", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/{id}", h.status)
		r.Delete("/{id}", h.cancel)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "server"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type batchHandler struct {
	svc batchService
	db  pinger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *batchHandler) health(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]string)
	for dest, state := range h.svc.Breakers() {
		breakers[dest] = state.String()
	}
	body := map[string]any{"status": "ok", "breakers": breakers}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *batchHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, ref := range req.References {
		if err := model.ValidateUploadID(ref.UploadID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Detach from the request; the batch outlives it.
	id, err := h.svc.Submit(context.WithoutCancel(r.Context()), req)
	switch {
	case errors.Is(err, pipeline.ErrEmptyBatch):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"batch_id": id, "error": "batch has no references"})
	case errors.Is(err, pipeline.ErrUnknownDestination):
		writeError(w, http.StatusBadRequest, "unknown destination")
	case errors.Is(err, pipeline.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "destination circuit open")
	case err != nil:
		zap.L().Error("batch submit failed", zap.String("component", "server"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
	}
}

func (h *batchHandler) status(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Status(chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrBatchNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *batchHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(id); err != nil {
		if errors.Is(err, pipeline.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id, "status": "cancelling"})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
