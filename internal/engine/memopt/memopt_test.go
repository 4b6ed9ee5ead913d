package memopt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zisaacson/batchlocallm/internal/engine"
)

const gib = uint64(1) << 30

func newTestOptimizer(t *testing.T, freeGB uint64) *Optimizer {
	t.Helper()
	gpu := engine.NewSimGPU(freeGB * gib)
	o, err := New(gpu, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestOptimize_KnownModelFits(t *testing.T) {
	o := newTestOptimizer(t, 24)
	cfg, err := o.Optimize("Qwen/Qwen2.5-7B-Instruct", 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if cfg.Model != "Qwen/Qwen2.5-7B-Instruct" {
		t.Fatalf("model = %s", cfg.Model)
	}
	if cfg.MaxModelLen < 1024 {
		t.Fatalf("max_model_len = %d", cfg.MaxModelLen)
	}
	if cfg.GPUMemoryUtilization <= 0 || cfg.GPUMemoryUtilization > 1 {
		t.Fatalf("gpu_memory_utilization = %g", cfg.GPUMemoryUtilization)
	}
}

func TestOptimize_TooLargeModel(t *testing.T) {
	o := newTestOptimizer(t, 24)
	_, err := o.Optimize("meta-llama/Llama-3.1-70B-Instruct", 0)
	if !errors.Is(err, engine.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestOptimize_TargetContextCaps(t *testing.T) {
	o := newTestOptimizer(t, 80)
	cfg, err := o.Optimize("Qwen/Qwen2.5-7B-Instruct", 4096)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if cfg.MaxModelLen != 4096 {
		t.Fatalf("max_model_len = %d, want 4096", cfg.MaxModelLen)
	}
}

func TestOptimize_UnknownModelHeuristic(t *testing.T) {
	o := newTestOptimizer(t, 80)
	cfg, err := o.Optimize("acme/custom-13b-chat", 0)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	// 13B at ~2.2 bytes/param is ~28.6 GiB; must fit in 80 GiB.
	if cfg.MaxModelLen < 1024 {
		t.Fatalf("max_model_len = %d", cfg.MaxModelLen)
	}
}

func TestShrink_StepsDown(t *testing.T) {
	o := newTestOptimizer(t, 24)
	cfg := engine.Config{
		Model:                "m",
		GPUMemoryUtilization: 0.90,
		MaxModelLen:          8192,
		MaxNumSeqs:           256,
	}
	steps := 0
	for {
		next, ok := o.Shrink(cfg)
		if !ok {
			break
		}
		steps++
		if steps > 20 {
			t.Fatal("Shrink never exhausts")
		}
		if next == cfg {
			t.Fatalf("Shrink returned unchanged config: %+v", cfg)
		}
		cfg = next
	}
	// The final config is the most conservative one available.
	if !cfg.EnforceEager || cfg.KVCacheDtype != "fp8" {
		t.Fatalf("final config not fully shrunk: %+v", cfg)
	}
	if cfg.MaxModelLen > 2048 {
		t.Fatalf("context never reduced: %d", cfg.MaxModelLen)
	}
}

func TestLoadProfiles_FileOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	doc := `profiles:
  - match: qwen2.5-7b
    weights_gb: 10.0
    kv_gb_per_1k_tokens: 0.05
    max_model_len: 4096
    gpu_memory_utilization: 0.8
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}

	gpu := engine.NewSimGPU(24 * gib)
	o, err := New(gpu, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, ok := o.Lookup("Qwen/Qwen2.5-7B-Instruct")
	if !ok {
		t.Fatal("profile not found")
	}
	if p.WeightsGB != 10.0 || p.MaxModelLen != 4096 {
		t.Fatalf("file profile did not take precedence: %+v", p)
	}
}

func TestLoadProfiles_RejectsEmptyMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	os.WriteFile(path, []byte("profiles:\n  - weights_gb: 1.0\n"), 0o644)

	if _, err := New(engine.NewSimGPU(24*gib), path); err == nil {
		t.Fatal("expected error for profile with empty match")
	}
}
