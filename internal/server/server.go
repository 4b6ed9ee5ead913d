// Package server is the HTTP surface: the OpenAI-compatible files and
// batches API plus health and metrics endpoints. Handlers validate and
// translate; all domain decisions live in the scheduler and store.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/engine"
	"github.com/zisaacson/batchlocallm/internal/engine/memopt"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/metrics"
	"github.com/zisaacson/batchlocallm/internal/scheduler"
	"github.com/zisaacson/batchlocallm/internal/store"
)

// Server is the HTTP server over the batch system.
type Server struct {
	cfg     config.Config
	meta    *store.Meta
	blob    *store.Blob
	sched   *scheduler.Scheduler
	hb      *heartbeat.Cell
	gpu     engine.GPUMonitor
	eng     engine.Engine
	opt     *memopt.Optimizer
	mtr     *metrics.Set
	httpSrv *http.Server
	logger  *log.Logger
}

// New builds the server and its routes. gpu, opt, and metrics may be nil.
func New(cfg config.Config, meta *store.Meta, blob *store.Blob, sched *scheduler.Scheduler, hb *heartbeat.Cell, eng engine.Engine, gpu engine.GPUMonitor, opt *memopt.Optimizer, mtr *metrics.Set, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	s := &Server{
		cfg:    cfg,
		meta:   meta,
		blob:   blob,
		sched:  sched,
		hb:     hb,
		gpu:    gpu,
		eng:    eng,
		opt:    opt,
		mtr:    mtr,
		logger: logger,
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // uploads can be large
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("POST /v1/files", s.handleUploadFile)
	mux.HandleFunc("GET /v1/files", s.handleListFiles)
	mux.HandleFunc("GET /v1/files/{id}", s.handleGetFile)
	mux.HandleFunc("DELETE /v1/files/{id}", s.handleDeleteFile)
	mux.HandleFunc("GET /v1/files/{id}/content", s.handleFileContent)

	mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches", s.handleListBatches)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /v1/batches/{id}/cancel", s.handleCancelBatch)
	mux.HandleFunc("GET /v1/batches/{id}/results", s.handleBatchResults)
	mux.HandleFunc("GET /v1/batches/{id}/errors", s.handleBatchErrors)

	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /liveness", s.handleLiveness)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	if s.mtr != nil {
		mux.Handle("GET /metrics", s.mtr.Handler())
	}

	return s.authenticate(mux)
}

// authenticate enforces static bearer auth on /v1 routes when an API key is
// configured. Health and metrics endpoints stay open for probes.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && strings.HasPrefix(r.URL.Path, "/v1/") {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.APIKey {
				writeError(w, http.StatusUnauthorized, errTypeInvalidRequest, "invalid_api_key", "invalid or missing API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.cfg.Addr())
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	err = s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections. The worker's in-flight chunk finishes
// under its own context; whatever it persisted stands for the next start.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}
