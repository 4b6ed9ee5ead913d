// Command batchlocallm runs the batch inference server: an OpenAI-compatible
// files and batches API in front of a single local model worker.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/engine"
	"github.com/zisaacson/batchlocallm/internal/engine/memopt"
	"github.com/zisaacson/batchlocallm/internal/handlers"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/metrics"
	"github.com/zisaacson/batchlocallm/internal/scheduler"
	"github.com/zisaacson/batchlocallm/internal/server"
	"github.com/zisaacson/batchlocallm/internal/store"
	"github.com/zisaacson/batchlocallm/internal/worker"
)

// simGPUTotalBytes sizes the simulated device when no real GPU backend is
// compiled in (80 GiB, one A100 class card).
const simGPUTotalBytes = 80 << 30

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		serve()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  batchlocallm serve")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "configuration is read from the environment (HOST, PORT, MODEL_NAME,")
	fmt.Fprintln(os.Stderr, "STORAGE_PATH, DATABASE_PATH, MAX_QUEUE_DEPTH, CHUNK_SIZE, ...)")
}

func serve() {
	logger := log.New(os.Stderr, "[batchlocallm] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	meta, err := store.OpenMeta(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(2)
	}
	defer meta.Close()
	blob, err := store.NewBlob(cfg.StoragePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(2)
	}

	eng := engine.NewSim()
	gpu := engine.NewSimGPU(simGPUTotalBytes)
	opt, err := memopt.New(gpu, cfg.ModelProfilesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	opt.DefaultGPUMemoryUtilization = cfg.GPUMemoryUtilization
	opt.DefaultMaxModelLen = cfg.MaxModelLen
	opt.DefaultMaxNumSeqs = cfg.MaxNumSeqs

	mtr := metrics.New()
	hb := heartbeat.New()

	registry := handlers.NewRegistry(nil)
	registry.Register(handlers.NewWebhook(nil, mtr))

	sched := scheduler.New(cfg, meta, blob, hb, mtr, nil)
	wrk := worker.New(cfg, meta, blob, eng, opt, hb, registry, mtr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go wrk.Run(ctx, sched.Jobs())
	go func() {
		// Re-hand interrupted work before dispatching anything new.
		if err := sched.ResumePending(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("resume pending batches: %v", err)
		}
		sched.Run(ctx)
	}()
	go sched.MonitorHeartbeat(ctx)
	if _, err := sched.StartSweepers(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: invalid sweep schedule: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, meta, blob, sched, hb, eng, gpu, opt, mtr, nil)
	if err := srv.ListenAndServe(); err != nil {
		logger.Printf("server error: %v", err)
		os.Exit(1)
	}
}
