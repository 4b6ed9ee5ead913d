// Package engine defines the contract between the worker and the inference
// engine. The real engine (a vLLM-style GPU server) lives outside this
// repo; the worker only ever sees this interface plus the simulated
// implementation used in tests and GPU-less deployments.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zisaacson/batchlocallm/internal/batch"
)

// ErrOutOfMemory signals that a load or generation exhausted GPU memory.
// The worker reacts by shrinking the engine config one step and reloading.
var ErrOutOfMemory = errors.New("gpu out of memory")

// ErrModelNotFound signals that the requested model cannot be loaded.
var ErrModelNotFound = errors.New("model not found")

// ErrNotLoaded signals a Generate call without a loaded model.
var ErrNotLoaded = errors.New("no model loaded")

// Config is the tuning handed to Load, produced by the memory optimizer.
type Config struct {
	Model                string  `json:"model"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization"`
	MaxModelLen          int     `json:"max_model_len"`
	MaxNumSeqs           int     `json:"max_num_seqs"`
	EnforceEager         bool    `json:"enforce_eager"`
	KVCacheDtype         string  `json:"kv_cache_dtype,omitempty"`
}

// Generation is the engine's answer for one request in a chunk. Err non-nil
// means this request failed while the rest of the chunk may have succeeded.
type Generation struct {
	CustomID   string
	StatusCode int
	Body       json.RawMessage
	Err        error
}

// Engine is the inference contract the worker drives. At most one model is
// loaded at a time; Load on a loaded engine is an error (callers unload
// first, which is what makes hot-swap explicit).
type Engine interface {
	Load(ctx context.Context, cfg Config) error
	Unload(ctx context.Context) error
	LoadedModel() string
	Generate(ctx context.Context, reqs []batch.Request) ([]Generation, error)
}

// GPUMonitor exposes device memory to the optimizer and health endpoint.
type GPUMonitor interface {
	FreeBytes() (uint64, error)
	TotalBytes() (uint64, error)
}
