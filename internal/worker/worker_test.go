package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/engine"
	"github.com/zisaacson/batchlocallm/internal/engine/memopt"
	"github.com/zisaacson/batchlocallm/internal/handlers"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/ids"
	"github.com/zisaacson/batchlocallm/internal/retry"
	"github.com/zisaacson/batchlocallm/internal/store"
)

type fixture struct {
	worker *Worker
	meta   *store.Meta
	blob   *store.Blob
	eng    *engine.Sim
	hb     *heartbeat.Cell
}

func newFixture(t *testing.T, registry *handlers.Registry) *fixture {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.OpenMeta(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open meta: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blob, err := store.NewBlob(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	eng := engine.NewSim()
	opt, err := memopt.New(engine.NewSimGPU(80<<30), "")
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	cfg := config.Config{
		ChunkSize:         2,
		RetryAttempts:     3,
		MaxModelLen:       8192,
		HeartbeatInterval: 15 * time.Second,
	}
	hb := heartbeat.New()
	w := New(cfg, meta, blob, eng, opt, hb, registry, nil, log.New(io.Discard, "", 0))
	w.backoff = retry.Config{InitialDelay: time.Millisecond, Factor: 1.0}
	return &fixture{worker: w, meta: meta, blob: blob, eng: eng, hb: hb}
}

func (fx *fixture) createBatch(t *testing.T, requests int, metadata map[string]string) *batch.Job {
	t.Helper()
	var b strings.Builder
	for i := 0; i < requests; i++ {
		fmt.Fprintf(&b, `{"custom_id":"req-%d","method":"POST","url":"/v1/chat/completions","body":{"model":"qwen2.5-7b","messages":[{"role":"user","content":"question %d"}]}}`+"\n", i, i)
	}
	fileID, err := ids.NewFileID()
	if err != nil {
		t.Fatal(err)
	}
	n, sum, err := fx.blob.Put(fileID, strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("put input: %v", err)
	}
	if err := fx.meta.CreateFile(&batch.File{
		ID: fileID, Purpose: batch.PurposeBatch, Filename: "input.jsonl",
		Bytes: n, Checksum: sum, Path: fx.blob.PathFor(fileID),
	}); err != nil {
		t.Fatalf("create file: %v", err)
	}

	batchID, err := ids.NewBatchID()
	if err != nil {
		t.Fatal(err)
	}
	job := &batch.Job{
		ID:               batchID,
		Endpoint:         batch.EndpointChatCompletions,
		InputFileID:      fileID,
		Status:           batch.StatusValidating,
		CompletionWindow: "24h",
		CreatedAt:        time.Now().Unix(),
		ExpiresAt:        time.Now().Add(time.Hour).Unix(),
		Counts:           batch.RequestCounts{Total: requests},
		Metadata:         metadata,
	}
	if err := fx.meta.CreateBatch(job); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return job
}

func readResults(t *testing.T, blob *store.Blob, fileID string) []batch.Result {
	t.Helper()
	r, err := blob.Open(fileID)
	if err != nil {
		t.Fatalf("open results %s: %v", fileID, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	var out []batch.Result
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var res batch.Result
		if err := json.Unmarshal([]byte(line), &res); err != nil {
			t.Fatalf("bad result line %q: %v", line, err)
		}
		out = append(out, res)
	}
	return out
}

func TestProcess_CompletesBatch(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 5, nil)

	fx.worker.Process(context.Background(), job)

	got, err := fx.meta.GetBatch(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s, errors = %+v", got.Status, got.Errors)
	}
	if got.Counts.Completed != 5 || got.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", got.Counts)
	}
	if got.InProgressAt == nil || got.FinalizingAt == nil || got.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", got)
	}
	if got.OutputFileID == nil {
		t.Fatal("no output file")
	}
	if got.ErrorFileID != nil {
		t.Fatalf("unexpected error file %s", *got.ErrorFileID)
	}

	f, err := fx.meta.GetFile(*got.OutputFileID)
	if err != nil {
		t.Fatalf("output file record: %v", err)
	}
	if f.Purpose != batch.PurposeBatchOutput {
		t.Fatalf("purpose = %s", f.Purpose)
	}

	results := readResults(t, fx.blob, *got.OutputFileID)
	if len(results) != 5 {
		t.Fatalf("result lines = %d", len(results))
	}
	seen := map[string]bool{}
	for _, res := range results {
		if res.Response == nil || res.Response.StatusCode != 200 {
			t.Fatalf("bad result: %+v", res)
		}
		seen[res.CustomID] = true
	}
	for i := 0; i < 5; i++ {
		if !seen[fmt.Sprintf("req-%d", i)] {
			t.Fatalf("missing custom_id req-%d", i)
		}
	}
}

func TestProcess_ZeroRequestsCompletesImmediately(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 0, nil)

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.OutputFileID != nil || got.ErrorFileID != nil {
		t.Fatal("empty batch should produce no files")
	}
	if fx.eng.GenerateCalls() != 0 {
		t.Fatal("engine touched for empty batch")
	}
}

func TestProcess_PerRequestFailuresGoToErrorFile(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 5, nil)
	fx.eng.FailCustomIDs["req-2"] = true

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Counts.Completed != 4 || got.Counts.Failed != 1 {
		t.Fatalf("counts = %+v", got.Counts)
	}
	if got.ErrorFileID == nil {
		t.Fatal("no error file")
	}
	errs := readResults(t, fx.blob, *got.ErrorFileID)
	if len(errs) != 1 || errs[0].CustomID != "req-2" || errs[0].Error == nil {
		t.Fatalf("error lines: %+v", errs)
	}
	outs := readResults(t, fx.blob, *got.OutputFileID)
	if len(outs) != 4 {
		t.Fatalf("output lines = %d", len(outs))
	}
}

func TestProcess_ModelNotFoundFailsBatch(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 2, map[string]string{"model": "nonexistent-9b"})
	fx.eng.FailLoadModels["nonexistent-9b"] = true

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Errors == nil || len(got.Errors.Data) != 1 || got.Errors.Data[0].Code != "model_not_found" {
		t.Fatalf("errors = %+v", got.Errors)
	}
	if got.FailedAt == nil {
		t.Fatal("failed_at not stamped")
	}
}

func TestProcess_OOMLoadShrinksAndSucceeds(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 2, nil)
	// Fails at the planned 8192 context, fits once halved.
	fx.eng.OOMLoadModels["qwen2.5-7b"] = 8192

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s, errors = %+v", got.Status, got.Errors)
	}
	if fx.worker.engCfg.MaxModelLen >= 8192 {
		t.Fatalf("config not shrunk: %+v", fx.worker.engCfg)
	}
	if fx.eng.LoadedModel() != "qwen2.5-7b" {
		t.Fatalf("loaded = %s", fx.eng.LoadedModel())
	}
}

func TestProcess_ChunkCrashExhaustsRetries(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 2, nil)
	fx.eng.CrashGenerations = 3 // matches RetryAttempts

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Counts.Completed != 0 || got.Counts.Failed != 2 {
		t.Fatalf("counts = %+v", got.Counts)
	}
	errs := readResults(t, fx.blob, *got.ErrorFileID)
	if len(errs) != 2 {
		t.Fatalf("error lines = %d", len(errs))
	}
}

func TestProcess_ChunkCrashRecoversOnRetry(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 2, nil)
	fx.eng.CrashGenerations = 1

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Counts.Completed != 2 || got.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", got.Counts)
	}
}

func TestProcess_ResumeSkipsRecordedRequests(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 5, nil)

	// Simulate a crash after the first chunk: claim the batch, record two
	// results, count them.
	if _, err := fx.meta.TransitionBatch(job.ID, []batch.Status{batch.StatusValidating}, batch.StatusInProgress, store.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	outID := OutputBlobID(job.ID)
	for _, cid := range []string{"req-0", "req-1"} {
		line, _ := json.Marshal(batch.Result{
			ID: "req_prior", CustomID: cid,
			Response: &batch.Response{StatusCode: 200, Body: json.RawMessage(`{}`)},
		})
		if err := fx.blob.AppendLine(outID, line); err != nil {
			t.Fatal(err)
		}
	}
	if err := fx.meta.BumpCounts(job.ID, 2, 0); err != nil {
		t.Fatal(err)
	}
	// A recorded request configured to fail proves it is never re-run.
	fx.eng.FailCustomIDs["req-0"] = true

	resumed, _ := fx.meta.GetBatch(job.ID)
	fx.worker.Process(context.Background(), resumed)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Counts.Completed != 5 || got.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", got.Counts)
	}
	results := readResults(t, fx.blob, *got.OutputFileID)
	if len(results) != 5 {
		t.Fatalf("result lines = %d", len(results))
	}
}

func TestProcess_CancellingBatchFinalizesPartial(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 4, nil)

	if _, err := fx.meta.TransitionBatch(job.ID, []batch.Status{batch.StatusValidating}, batch.StatusInProgress, store.TransitionFields{}); err != nil {
		t.Fatal(err)
	}
	line, _ := json.Marshal(batch.Result{
		ID: "req_prior", CustomID: "req-0",
		Response: &batch.Response{StatusCode: 200, Body: json.RawMessage(`{}`)},
	})
	if err := fx.blob.AppendLine(OutputBlobID(job.ID), line); err != nil {
		t.Fatal(err)
	}
	if err := fx.meta.BumpCounts(job.ID, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.meta.TransitionBatch(job.ID, []batch.Status{batch.StatusInProgress}, batch.StatusCancelling, store.TransitionFields{}); err != nil {
		t.Fatal(err)
	}

	resumed, _ := fx.meta.GetBatch(job.ID)
	fx.worker.Process(context.Background(), resumed)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if got.CancelledAt == nil {
		t.Fatal("cancelled_at not stamped")
	}
	if got.OutputFileID == nil {
		t.Fatal("partial output not registered")
	}
	results := readResults(t, fx.blob, *got.OutputFileID)
	if len(results) != 1 || results[0].CustomID != "req-0" {
		t.Fatalf("partial results: %+v", results)
	}
	if fx.eng.GenerateCalls() != 0 {
		t.Fatal("engine ran after cancellation")
	}
}

func TestProcess_ExpiredDeadlineFinalizesExpired(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 4, nil)
	fx.worker.SetClock(func() time.Time {
		return time.Unix(job.ExpiresAt+10, 0)
	})

	fx.worker.Process(context.Background(), job)

	got, _ := fx.meta.GetBatch(job.ID)
	if got.Status != batch.StatusExpired {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ExpiredAt == nil {
		t.Fatal("expired_at not stamped")
	}
	if fx.eng.GenerateCalls() != 0 {
		t.Fatal("engine ran past the deadline")
	}
}

func TestProcess_HotSwapReplacesLoadedModel(t *testing.T) {
	fx := newFixture(t, nil)

	first := fx.createBatch(t, 1, map[string]string{"model": "llama-3.2-1b"})
	fx.worker.Process(context.Background(), first)
	if fx.eng.LoadedModel() != "llama-3.2-1b" {
		t.Fatalf("loaded = %s", fx.eng.LoadedModel())
	}

	second := fx.createBatch(t, 1, map[string]string{"model": "mistral-7b"})
	fx.worker.Process(context.Background(), second)
	if fx.eng.LoadedModel() != "mistral-7b" {
		t.Fatalf("loaded = %s after swap", fx.eng.LoadedModel())
	}

	got, _ := fx.meta.GetBatch(second.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestProcess_ReusesLoadedModel(t *testing.T) {
	fx := newFixture(t, nil)
	first := fx.createBatch(t, 1, nil)
	fx.worker.Process(context.Background(), first)
	second := fx.createBatch(t, 1, nil)
	fx.worker.Process(context.Background(), second)

	// One chunk per batch; a reload would show up as an Unload/Load cycle
	// clearing the sim's loaded model.
	if fx.eng.LoadedModel() != "qwen2.5-7b" {
		t.Fatalf("loaded = %s", fx.eng.LoadedModel())
	}
	got, _ := fx.meta.GetBatch(second.ID)
	if got.Status != batch.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

type captureHandler struct {
	summaries []handlers.Summary
}

func (c *captureHandler) Name() string                   { return "capture" }
func (c *captureHandler) Enabled(map[string]string) bool { return true }
func (c *captureHandler) OnError(error)                  {}
func (c *captureHandler) Handle(ctx context.Context, s handlers.Summary, m map[string]string) bool {
	c.summaries = append(c.summaries, s)
	return true
}

func TestProcess_RunsCompletionHandlers(t *testing.T) {
	registry := handlers.NewRegistry(log.New(io.Discard, "", 0))
	capture := &captureHandler{}
	registry.Register(capture)

	fx := newFixture(t, registry)
	job := fx.createBatch(t, 3, nil)
	fx.worker.Process(context.Background(), job)

	if len(capture.summaries) != 1 {
		t.Fatalf("handler ran %d times", len(capture.summaries))
	}
	s := capture.summaries[0]
	if s.BatchID != job.ID || s.Status != batch.StatusCompleted {
		t.Fatalf("summary = %+v", s)
	}
	if s.Counts.Completed != 3 {
		t.Fatalf("summary counts = %+v", s.Counts)
	}
	if s.OutputFileID == nil {
		t.Fatal("summary missing output file")
	}
}

func TestProcess_HeartbeatReturnsToIdle(t *testing.T) {
	fx := newFixture(t, nil)
	job := fx.createBatch(t, 2, nil)
	fx.worker.Process(context.Background(), job)

	snap := fx.hb.Snapshot(0)
	if snap.Status != heartbeat.StatusIdle {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.LoadedModel != "qwen2.5-7b" {
		t.Fatalf("loaded model = %s", snap.LoadedModel)
	}
}
