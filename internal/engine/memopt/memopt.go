// Package memopt picks engine configurations that fit the GPU. It combines
// a model-profile table (empirical memory footprints and known-good tuning
// per model family) with the device's current free memory, and knows how to
// step a configuration down after an OOM.
package memopt

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zisaacson/batchlocallm/internal/engine"
)

// Profile is one row of the model-profile table.
type Profile struct {
	// Match is a substring matched case-insensitively against the model id.
	Match string `yaml:"match"`
	// WeightsGB is the observed weight footprint.
	WeightsGB float64 `yaml:"weights_gb"`
	// KVGBPer1KTokens is the observed KV cache growth per 1K tokens of
	// context at max_num_seqs=1.
	KVGBPer1KTokens float64 `yaml:"kv_gb_per_1k_tokens"`
	// MaxModelLen caps context for models known to fail above a length.
	MaxModelLen int `yaml:"max_model_len"`
	// GPUMemoryUtilization overrides the default when set.
	GPUMemoryUtilization float64 `yaml:"gpu_memory_utilization"`
	// EnforceEager disables CUDA graphs for models that OOM building them.
	EnforceEager bool `yaml:"enforce_eager"`
	// KVCacheDtype requests quantized KV cache ("fp8") where observed safe.
	KVCacheDtype string `yaml:"kv_cache_dtype"`
}

// builtinProfiles covers the model families observed in production. A YAML
// file (MODEL_PROFILES_PATH) can extend or override it.
var builtinProfiles = []Profile{
	{Match: "qwen2.5-0.5b", WeightsGB: 1.2, KVGBPer1KTokens: 0.02, MaxModelLen: 32768},
	{Match: "qwen2.5-1.5b", WeightsGB: 3.5, KVGBPer1KTokens: 0.03, MaxModelLen: 32768},
	{Match: "qwen2.5-7b", WeightsGB: 15.5, KVGBPer1KTokens: 0.12, MaxModelLen: 32768},
	{Match: "qwen2.5-14b", WeightsGB: 29.5, KVGBPer1KTokens: 0.20, MaxModelLen: 16384, EnforceEager: true},
	{Match: "qwen2.5-32b", WeightsGB: 65.0, KVGBPer1KTokens: 0.32, MaxModelLen: 8192, EnforceEager: true, KVCacheDtype: "fp8"},
	{Match: "llama-3.2-1b", WeightsGB: 2.8, KVGBPer1KTokens: 0.03, MaxModelLen: 32768},
	{Match: "llama-3.2-3b", WeightsGB: 6.8, KVGBPer1KTokens: 0.06, MaxModelLen: 32768},
	{Match: "llama-3.1-8b", WeightsGB: 16.5, KVGBPer1KTokens: 0.13, MaxModelLen: 32768},
	{Match: "llama-3.1-70b", WeightsGB: 140.0, KVGBPer1KTokens: 0.64, MaxModelLen: 4096, EnforceEager: true, KVCacheDtype: "fp8"},
	{Match: "mistral-7b", WeightsGB: 15.0, KVGBPer1KTokens: 0.12, MaxModelLen: 32768},
	{Match: "phi-3-mini", WeightsGB: 8.0, KVGBPer1KTokens: 0.09, MaxModelLen: 16384},
}

// paramCountRe extracts a parameter count like "7b" or "0.5B" from a model
// id when no profile matches.
var paramCountRe = regexp.MustCompile(`(?i)[-_](\d+(?:\.\d+)?)b\b`)

// Optimizer computes engine configs against a device.
type Optimizer struct {
	profiles []Profile
	gpu      engine.GPUMonitor

	// Defaults applied when neither profile nor headroom dictates otherwise.
	DefaultGPUMemoryUtilization float64
	DefaultMaxModelLen          int
	DefaultMaxNumSeqs           int
}

// New builds an optimizer over the builtin table, optionally extended by a
// YAML profile file whose entries take precedence.
func New(gpu engine.GPUMonitor, profilesPath string) (*Optimizer, error) {
	o := &Optimizer{
		profiles:                    append([]Profile{}, builtinProfiles...),
		gpu:                         gpu,
		DefaultGPUMemoryUtilization: 0.90,
		DefaultMaxModelLen:          8192,
		DefaultMaxNumSeqs:           256,
	}
	if profilesPath != "" {
		extra, err := loadProfiles(profilesPath)
		if err != nil {
			return nil, err
		}
		// Prepend so file entries match before builtins.
		o.profiles = append(extra, o.profiles...)
	}
	return o, nil
}

func loadProfiles(path string) ([]Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model profiles: %w", err)
	}
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse model profiles: %w", err)
	}
	for i, p := range doc.Profiles {
		if strings.TrimSpace(p.Match) == "" {
			return nil, fmt.Errorf("model profile %d: empty match", i)
		}
	}
	return doc.Profiles, nil
}

// Lookup returns the first profile matching modelID, or false.
func (o *Optimizer) Lookup(modelID string) (Profile, bool) {
	lower := strings.ToLower(modelID)
	for _, p := range o.profiles {
		if strings.Contains(lower, strings.ToLower(p.Match)) {
			return p, true
		}
	}
	return Profile{}, false
}

// Profiles returns the active table, file entries first.
func (o *Optimizer) Profiles() []Profile {
	return append([]Profile{}, o.profiles...)
}

// estimateWeightsGB falls back to a parameter-count heuristic: roughly 2
// bytes per parameter for fp16 weights plus 10% overhead.
func estimateWeightsGB(modelID string) float64 {
	m := paramCountRe.FindStringSubmatch(modelID)
	if m == nil {
		return 16.0 // assume a 7-8B class model when nothing is known
	}
	params, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 16.0
	}
	return params * 2 * 1.1
}

// Optimize yields the engine config for modelID given current free GPU
// memory. targetContext of 0 means "as much as the profile allows".
func (o *Optimizer) Optimize(modelID string, targetContext int) (engine.Config, error) {
	freeBytes, err := o.gpu.FreeBytes()
	if err != nil {
		return engine.Config{}, fmt.Errorf("read gpu memory: %w", err)
	}
	freeGB := float64(freeBytes) / (1 << 30)

	cfg := engine.Config{
		Model:                modelID,
		GPUMemoryUtilization: o.DefaultGPUMemoryUtilization,
		MaxModelLen:          o.DefaultMaxModelLen,
		MaxNumSeqs:           o.DefaultMaxNumSeqs,
	}

	weightsGB := estimateWeightsGB(modelID)
	kvPer1K := 0.12
	if p, ok := o.Lookup(modelID); ok {
		weightsGB = p.WeightsGB
		if p.KVGBPer1KTokens > 0 {
			kvPer1K = p.KVGBPer1KTokens
		}
		if p.MaxModelLen > 0 {
			cfg.MaxModelLen = p.MaxModelLen
		}
		if p.GPUMemoryUtilization > 0 {
			cfg.GPUMemoryUtilization = p.GPUMemoryUtilization
		}
		cfg.EnforceEager = p.EnforceEager
		cfg.KVCacheDtype = p.KVCacheDtype
	}
	if targetContext > 0 && targetContext < cfg.MaxModelLen {
		cfg.MaxModelLen = targetContext
	}

	if weightsGB >= freeGB {
		return engine.Config{}, fmt.Errorf(
			"model %s needs ~%.1f GiB weights but only %.1f GiB free: %w",
			modelID, weightsGB, freeGB, engine.ErrOutOfMemory)
	}

	// Fit the KV cache into what remains after weights. Headroom of 1 GiB
	// covers activations and CUDA context.
	kvBudgetGB := freeGB*cfg.GPUMemoryUtilization - weightsGB - 1.0
	if kvBudgetGB < 0 {
		kvBudgetGB = 0
	}
	fitTokens := int(kvBudgetGB / kvPer1K * 1000)
	if fitTokens < cfg.MaxModelLen {
		cfg.MaxModelLen = fitTokens
		cfg.EnforceEager = true // tight fits cannot afford CUDA graph memory
	}
	if cfg.MaxModelLen < 1024 {
		return engine.Config{}, fmt.Errorf(
			"model %s fits only %d tokens of context in %.1f GiB free: %w",
			modelID, cfg.MaxModelLen, freeGB, engine.ErrOutOfMemory)
	}
	return cfg, nil
}

// Shrink steps a config down one notch after an observed OOM: halve the
// context, drop utilization, force eager, and finally quantize the KV
// cache. Returns false when there is nothing left to give up.
func (o *Optimizer) Shrink(cfg engine.Config) (engine.Config, bool) {
	switch {
	case cfg.MaxModelLen > 2048:
		cfg.MaxModelLen /= 2
		cfg.EnforceEager = true
	case !cfg.EnforceEager:
		cfg.EnforceEager = true
	case cfg.GPUMemoryUtilization > 0.70:
		cfg.GPUMemoryUtilization -= 0.05
	case cfg.KVCacheDtype == "":
		cfg.KVCacheDtype = "fp8"
	default:
		return cfg, false
	}
	if cfg.MaxNumSeqs > 16 {
		cfg.MaxNumSeqs /= 2
	}
	return cfg, true
}
