package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/engine"
	"github.com/zisaacson/batchlocallm/internal/engine/memopt"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/scheduler"
	"github.com/zisaacson/batchlocallm/internal/store"
	"github.com/zisaacson/batchlocallm/internal/worker"
)

type env struct {
	ts  *httptest.Server
	cfg config.Config
	eng *engine.Sim
}

// newEnv boots the full stack (store, scheduler, worker, HTTP) against a
// simulated engine.
func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Host:                    "127.0.0.1",
		Port:                    8000,
		StoragePath:             filepath.Join(dir, "files"),
		DatabasePath:            filepath.Join(dir, "meta.db"),
		MaxModelLen:             8192,
		MaxNumSeqs:              256,
		GPUMemoryUtilization:    0.90,
		MaxRequestsPerJob:       100,
		MaxQueueDepth:           5,
		MaxTotalQueuedRequests:  500,
		ChunkSize:               2,
		RetryAttempts:           2,
		HeartbeatInterval:       time.Second,
		HeartbeatDeadMultiplier: 3,
		CompletionWindow:        time.Hour,
		CleanupAfterDays:        30,
		RetentionSweepSchedule:  "@daily",
		ExpirySweepInterval:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	quiet := log.New(io.Discard, "", 0)
	meta, err := store.OpenMeta(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open meta: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blob, err := store.NewBlob(cfg.StoragePath)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}

	hb := heartbeat.New()
	sched := scheduler.New(cfg, meta, blob, hb, nil, quiet)
	eng := engine.NewSim()
	gpu := engine.NewSimGPU(80 << 30)
	opt, err := memopt.New(gpu, "")
	if err != nil {
		t.Fatalf("new optimizer: %v", err)
	}
	wrk := worker.New(cfg, meta, blob, eng, opt, hb, nil, nil, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	go wrk.Run(ctx, sched.Jobs())

	srv := New(cfg, meta, blob, sched, hb, eng, gpu, opt, nil, quiet)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, cfg: cfg, eng: eng}
}

func requestBody(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"custom_id":"req-%d","method":"POST","url":"/v1/chat/completions","body":{"model":"qwen2.5-7b","messages":[{"role":"user","content":"q%d"}]}}`+"\n", i, i)
	}
	return b.String()
}

func (e *env) upload(t *testing.T, content string) (fileResponse, *http.Response) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "input.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var f fileResponse
	if resp.StatusCode == http.StatusOK {
		decode(t, resp, &f)
	}
	return f, resp
}

func (e *env) createBatch(t *testing.T, body createBatchRequest) (batchResponse, *http.Response) {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(e.ts.URL+"/v1/batches", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	var b batchResponse
	if resp.StatusCode == http.StatusOK {
		decode(t, resp, &b)
	}
	return b, resp
}

func (e *env) getBatch(t *testing.T, id string) batchResponse {
	t.Helper()
	resp, err := http.Get(e.ts.URL + "/v1/batches/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get batch %s: status %d", id, resp.StatusCode)
	}
	var b batchResponse
	decode(t, resp, &b)
	return b
}

func (e *env) waitStatus(t *testing.T, id string, want batch.Status) batchResponse {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		b := e.getBatch(t, id)
		if b.Status == want {
			return b
		}
		if b.Status.IsTerminal() {
			t.Fatalf("batch %s reached %s, want %s (errors: %+v)", id, b.Status, want, b.Errors)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("batch %s never reached %s", id, want)
	return batchResponse{}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func decodeError(t *testing.T, resp *http.Response) apiError {
	t.Helper()
	var e errorResponse
	decode(t, resp, &e)
	return e.Error
}

func TestAPI_EndToEndBatch(t *testing.T) {
	e := newEnv(t, nil)

	f, resp := e.upload(t, requestBody(5))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}
	if f.Object != "file" || f.Purpose != "batch" || f.Bytes == 0 {
		t.Fatalf("file = %+v", f)
	}

	b, resp := e.createBatch(t, createBatchRequest{
		InputFileID: f.ID,
		Endpoint:    batch.EndpointChatCompletions,
		Metadata:    map[string]string{"run": "e2e"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create batch status %d", resp.StatusCode)
	}
	if b.Object != "batch" || b.InputFileID != f.ID {
		t.Fatalf("batch = %+v", b)
	}
	if b.RequestCounts.Total != 5 {
		t.Fatalf("total = %d", b.RequestCounts.Total)
	}

	done := e.waitStatus(t, b.ID, batch.StatusCompleted)
	if done.RequestCounts.Completed != 5 || done.RequestCounts.Failed != 0 {
		t.Fatalf("counts = %+v", done.RequestCounts)
	}
	if done.OutputFileID == nil {
		t.Fatal("no output file")
	}
	if done.CompletedAt == nil || done.InProgressAt == nil {
		t.Fatalf("timestamps missing: %+v", done)
	}

	// Results stream directly from the batch.
	resp, err := http.Get(e.ts.URL + "/v1/batches/" + b.ID + "/results")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 5 {
		t.Fatalf("result lines = %d", len(lines))
	}
	var res batch.Result
	if err := json.Unmarshal([]byte(lines[0]), &res); err != nil || res.Response == nil {
		t.Fatalf("bad result line: %v %+v", err, res)
	}

	// No failures, so no error file.
	resp, err = http.Get(e.ts.URL + "/v1/batches/" + b.ID + "/errors")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("errors status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The output file is also addressable through the files API.
	resp, err = http.Get(e.ts.URL + "/v1/files/" + *done.OutputFileID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("output file status %d", resp.StatusCode)
	}
	var of fileResponse
	decode(t, resp, &of)
	if of.Purpose != batch.PurposeBatchOutput {
		t.Fatalf("output purpose = %s", of.Purpose)
	}
}

func TestAPI_FileLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	content := requestBody(2)
	f, _ := e.upload(t, content)

	resp, err := http.Get(e.ts.URL + "/v1/files/" + f.ID + "/content")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(got) != content {
		t.Fatal("content roundtrip mismatch")
	}

	resp, err = http.Get(e.ts.URL + "/v1/files?purpose=batch")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Object string         `json:"object"`
		Data   []fileResponse `json:"data"`
	}
	decode(t, resp, &list)
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != f.ID {
		t.Fatalf("list = %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.ts.URL+"/v1/files/"+f.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var del deleteResponse
	decode(t, resp, &del)
	if !del.Deleted || del.ID != f.ID {
		t.Fatalf("delete = %+v", del)
	}

	resp, err = http.Get(e.ts.URL + "/v1/files/" + f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted file status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_CreateBatchValidation(t *testing.T) {
	e := newEnv(t, nil)
	f, _ := e.upload(t, requestBody(1))

	_, resp := e.createBatch(t, createBatchRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing input: status %d", resp.StatusCode)
	}
	if ae := decodeError(t, resp); ae.Type != errTypeInvalidRequest {
		t.Fatalf("error type = %s", ae.Type)
	}

	_, resp = e.createBatch(t, createBatchRequest{InputFileID: "file-nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown file: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	_, resp = e.createBatch(t, createBatchRequest{InputFileID: f.ID, Endpoint: "/v1/embeddings"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad endpoint: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_QueueFullReturns429(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.MaxQueueDepth = 1 })
	// Keep the first batch occupying the queue long enough to reject the
	// second.
	e.eng.PerRequestDelay = 50 * time.Millisecond

	first, _ := e.upload(t, requestBody(50))
	if _, resp := e.createBatch(t, createBatchRequest{InputFileID: first.ID}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first batch status %d", resp.StatusCode)
	}

	second, _ := e.upload(t, requestBody(1))
	_, resp := e.createBatch(t, createBatchRequest{InputFileID: second.ID})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second batch status %d", resp.StatusCode)
	}
	if ae := decodeError(t, resp); ae.Type != errTypeQueueFull {
		t.Fatalf("error type = %s", ae.Type)
	}
}

func TestAPI_CancelBatch(t *testing.T) {
	e := newEnv(t, nil)
	e.eng.PerRequestDelay = 50 * time.Millisecond

	// Occupy the worker so the second batch stays queued.
	busy, _ := e.upload(t, requestBody(50))
	if _, resp := e.createBatch(t, createBatchRequest{InputFileID: busy.ID}); resp.StatusCode != http.StatusOK {
		t.Fatalf("busy batch status %d", resp.StatusCode)
	}

	queuedFile, _ := e.upload(t, requestBody(3))
	queued, _ := e.createBatch(t, createBatchRequest{InputFileID: queuedFile.ID})

	resp, err := http.Post(e.ts.URL+"/v1/batches/"+queued.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	var b batchResponse
	decode(t, resp, &b)
	if b.Status != batch.StatusCancelled {
		t.Fatalf("status = %s", b.Status)
	}

	// Terminal batches cannot be cancelled again.
	resp, err = http.Post(e.ts.URL+"/v1/batches/"+queued.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status %d", resp.StatusCode)
	}
	if ae := decodeError(t, resp); ae.Type != errTypeStateConflict {
		t.Fatalf("error type = %s", ae.Type)
	}

	resp, err = http.Post(e.ts.URL+"/v1/batches/batch_missing/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_BearerAuth(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.APIKey = "secret" })

	resp, err := http.Get(e.ts.URL + "/v1/files")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/v1/files", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Probes stay open.
	resp, err = http.Get(e.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_PrescanRejectsMalformedUpload(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.PrescanUploads = true })

	_, resp := e.upload(t, "this is not jsonl\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad upload status %d", resp.StatusCode)
	}
	if ae := decodeError(t, resp); ae.Code != "invalid_jsonl" {
		t.Fatalf("error code = %s", ae.Code)
	}

	if _, resp := e.upload(t, requestBody(1)); resp.StatusCode != http.StatusOK {
		t.Fatalf("good upload status %d", resp.StatusCode)
	}
}

func TestAPI_UploadRejectsWrongPurpose(t *testing.T) {
	e := newEnv(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("purpose", "fine-tune")
	fw, _ := mw.CreateFormFile("file", "input.jsonl")
	io.WriteString(fw, requestBody(1))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPI_HealthAndProbes(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Status string `json:"status"`
		Worker struct {
			Status string `json:"status"`
		} `json:"worker"`
		Queue struct {
			Depth int `json:"depth"`
		} `json:"queue"`
		GPU map[string]uint64 `json:"gpu"`
	}
	decode(t, resp, &health)
	if health.Status != "ok" {
		t.Fatalf("health = %+v", health)
	}
	if health.GPU["total_bytes"] != 80<<30 {
		t.Fatalf("gpu = %+v", health.GPU)
	}

	for _, path := range []string{"/liveness", "/readiness"} {
		resp, err := http.Get(e.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPI_ListModels(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.ModelName = "qwen2.5-7b" })
	f, _ := e.upload(t, requestBody(1))
	b, _ := e.createBatch(t, createBatchRequest{InputFileID: f.ID})
	e.waitStatus(t, b.ID, batch.StatusCompleted)

	resp, err := http.Get(e.ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Data []modelResponse `json:"data"`
	}
	decode(t, resp, &list)
	if len(list.Data) == 0 {
		t.Fatal("no models listed")
	}
	found := false
	for _, m := range list.Data {
		if m.ID == "qwen2.5-7b" && m.Loaded {
			found = true
		}
	}
	if !found {
		t.Fatalf("loaded model missing: %+v", list.Data)
	}
}
