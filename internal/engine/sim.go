package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/ids"
)

// Sim is the simulated engine: deterministic completions, no GPU. It backs
// tests and lets the full control plane run on machines without a device.
// The failure knobs mirror the ways a real engine breaks: load failures,
// OOM, whole-chunk crashes, and per-request errors.
type Sim struct {
	mu     sync.Mutex
	loaded string
	cfg    Config

	// FailLoadModels lists model ids whose Load fails with ErrModelNotFound.
	FailLoadModels map[string]bool
	// OOMLoadModels lists model ids whose Load fails with ErrOutOfMemory
	// until the config has been shrunk below the recorded MaxModelLen.
	OOMLoadModels map[string]int
	// FailCustomIDs lists request custom_ids that fail per-request.
	FailCustomIDs map[string]bool
	// CrashGenerations makes the next n Generate calls fail outright.
	CrashGenerations int
	// PerRequestDelay simulates generation latency.
	PerRequestDelay time.Duration

	generateCalls int
}

// NewSim returns a simulated engine with no failures configured.
func NewSim() *Sim {
	return &Sim{
		FailLoadModels: map[string]bool{},
		OOMLoadModels:  map[string]int{},
		FailCustomIDs:  map[string]bool{},
	}
}

func (s *Sim) Load(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != "" {
		return fmt.Errorf("load %s: engine already holds %s", cfg.Model, s.loaded)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return fmt.Errorf("load: empty model id")
	}
	if s.FailLoadModels[cfg.Model] {
		return fmt.Errorf("load %s: %w", cfg.Model, ErrModelNotFound)
	}
	if limit, ok := s.OOMLoadModels[cfg.Model]; ok && cfg.MaxModelLen >= limit {
		return fmt.Errorf("load %s (max_model_len=%d): %w", cfg.Model, cfg.MaxModelLen, ErrOutOfMemory)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.loaded = cfg.Model
	s.cfg = cfg
	return nil
}

func (s *Sim) Unload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = ""
	s.cfg = Config{}
	return nil
}

func (s *Sim) LoadedModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// GenerateCalls reports how many chunks have been submitted. Tests only.
func (s *Sim) GenerateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateCalls
}

func (s *Sim) Generate(ctx context.Context, reqs []batch.Request) ([]Generation, error) {
	s.mu.Lock()
	model := s.loaded
	s.generateCalls++
	crash := s.CrashGenerations > 0
	if crash {
		s.CrashGenerations--
	}
	s.mu.Unlock()

	if model == "" {
		return nil, ErrNotLoaded
	}
	if crash {
		return nil, fmt.Errorf("engine crashed mid-chunk")
	}

	out := make([]Generation, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.PerRequestDelay > 0 {
			time.Sleep(s.PerRequestDelay)
		}
		if s.FailCustomIDs[req.CustomID] {
			out = append(out, Generation{
				CustomID: req.CustomID,
				Err:      fmt.Errorf("generation failed for %s", req.CustomID),
			})
			continue
		}
		body, err := s.completionBody(model, req)
		if err != nil {
			out = append(out, Generation{CustomID: req.CustomID, Err: err})
			continue
		}
		out = append(out, Generation{CustomID: req.CustomID, StatusCode: 200, Body: body})
	}
	return out, nil
}

// completionBody builds an OpenAI-shaped chat.completion object echoing the
// last user message. Deterministic so crash-resume tests can compare runs.
func (s *Sim) completionBody(model string, req batch.Request) (json.RawMessage, error) {
	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	last := ""
	for _, msg := range payload.Messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	id, err := ids.NewRequestID()
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"id":      "chatcmpl-" + strings.TrimPrefix(id, ids.PrefixRequest),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": fmt.Sprintf("simulated completion for: %s", last),
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     len(last) / 4,
			"completion_tokens": 16,
			"total_tokens":      len(last)/4 + 16,
		},
	}
	return json.Marshal(resp)
}

// SimGPU is a fixed-size fake device for the optimizer and health endpoint.
type SimGPU struct {
	mu    sync.Mutex
	total uint64
	used  uint64
}

// NewSimGPU returns a device with the given total memory.
func NewSimGPU(totalBytes uint64) *SimGPU {
	return &SimGPU{total: totalBytes}
}

func (g *SimGPU) FreeBytes() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.used > g.total {
		return 0, nil
	}
	return g.total - g.used, nil
}

func (g *SimGPU) TotalBytes() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total, nil
}

// SetUsed adjusts occupied memory. Tests only.
func (g *SimGPU) SetUsed(bytes uint64) {
	g.mu.Lock()
	g.used = bytes
	g.mu.Unlock()
}
