package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ohdsi/load-euctr/internal/runlog"
)

var (
	servePort int
	serveDSN  string
)

// runReader is the read side of the run log used by the status API.
type runReader interface {
	List(ctx context.Context, limit int) ([]runlog.Entry, error)
	Get(ctx context.Context, loadID string) (*runlog.Entry, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run log as a read-only JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		backend, err := openBackend(ctx, cfg, serveDSN)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		rl := runlog.New(backend, cfg.Load.MetaSchema)
		if err := rl.Create(ctx); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(rl, backend.Ping),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
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

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveDSN, "dsn", "", "database URL or SQLite path (default from store.database_url)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the status endpoints. ping may be nil.
func buildRouter(runs runReader, ping func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if ping != nil {
			if err := ping(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if s := req.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		entries, err := runs.List(req.Context(), limit)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
			return
		}
		if entries == nil {
			entries = []runlog.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Get("/runs/{loadID}", func(w http.ResponseWriter, req *http.Request) {
		loadID := chi.URLParam(req, "loadID")
		e, err := runs.Get(req.Context(), loadID)
		switch {
		case errors.Is(err, runlog.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		case err != nil:
			zap.L().Error("get run failed", zap.String("load_id", loadID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get run failed"})
		default:
			writeJSON(w, http.StatusOK, e)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
