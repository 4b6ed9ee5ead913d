package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/ids"
	"github.com/zisaacson/batchlocallm/internal/scheduler"
	"github.com/zisaacson/batchlocallm/internal/store"
)

// maxUploadBytes bounds one uploaded input file (500 MiB).
const maxUploadBytes = 500 << 20

// --- Files ---

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_multipart", fmt.Sprintf("parse upload: %v", err))
		return
	}
	purpose := r.FormValue("purpose")
	if purpose != batch.PurposeBatch {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_purpose",
			fmt.Sprintf("purpose must be %q, got %q", batch.PurposeBatch, purpose))
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "missing_file", "multipart field \"file\" is required")
		return
	}
	defer part.Close()

	id, err := ids.NewFileID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
		return
	}
	n, checksum, err := s.blob.Put(id, part)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", fmt.Sprintf("store file: %v", err))
		return
	}

	if s.cfg.PrescanUploads {
		if err := s.prescan(id); err != nil {
			_ = s.blob.Delete(id)
			writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_jsonl", err.Error())
			return
		}
	}

	f := &batch.File{
		ID:       id,
		Purpose:  purpose,
		Filename: header.Filename,
		Bytes:    n,
		Checksum: checksum,
		Path:     s.blob.PathFor(id),
	}
	if err := s.meta.CreateFile(f); err != nil {
		_ = s.blob.Delete(id)
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
		return
	}
	s.logger.Printf("uploaded %s (%s, %d bytes)", f.ID, f.Filename, f.Bytes)
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

// prescan re-reads a stored blob and validates every line against the
// request schema.
func (s *Server) prescan(id string) error {
	r, err := s.blob.Open(id)
	if err != nil {
		return err
	}
	defer r.Close()
	return batch.PrescanReader(r)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	files, err := s.meta.ListFiles(r.URL.Query().Get("purpose"), limit+1, r.URL.Query().Get("after"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	hasMore := len(files) > limit
	if hasMore {
		files = files[:limit]
	}
	data := make([]fileResponse, 0, len(files))
	for i := range files {
		data = append(data, toFileResponse(&files[i]))
	}
	resp := listResponse{Object: "list", Data: data, HasMore: hasMore}
	if len(data) > 0 {
		resp.FirstID = data[0].ID
		resp.LastID = data[len(data)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.meta.GetFile(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if f.Deleted {
		writeError(w, http.StatusNotFound, errTypeNotFound, "file_not_found", fmt.Sprintf("file %s not found", f.ID))
		return
	}
	writeJSON(w, http.StatusOK, toFileResponse(f))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.meta.SoftDeleteFile(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ID: id, Object: "file", Deleted: true})
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	f, err := s.meta.GetFile(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if f.Deleted {
		writeError(w, http.StatusNotFound, errTypeNotFound, "file_not_found", fmt.Sprintf("file %s not found", f.ID))
		return
	}
	s.streamBlob(w, f.ID, f.Filename)
}

func (s *Server) streamBlob(w http.ResponseWriter, id, filename string) {
	rc, err := s.blob.Open(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/jsonl")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Printf("stream %s: %v", id, err)
	}
}

// --- Batches ---

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_body", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.InputFileID == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "missing_input_file_id", "input_file_id is required")
		return
	}
	if req.Endpoint == "" {
		req.Endpoint = batch.EndpointChatCompletions
	}

	job, err := s.sched.Admit(req.InputFileID, req.Endpoint, req.CompletionWindow, req.Metadata)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, errTypeQueueFull, "queue_full", err.Error())
		return
	case errors.Is(err, scheduler.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid_batch", err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(job))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	jobs, err := s.meta.ListBatches(limit+1, r.URL.Query().Get("after"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}
	data := make([]batchResponse, 0, len(jobs))
	for _, j := range jobs {
		data = append(data, toBatchResponse(j))
	}
	resp := listResponse{Object: "list", Data: data, HasMore: hasMore}
	if len(data) > 0 {
		resp.FirstID = data[0].ID
		resp.LastID = data[len(data)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	j, err := s.meta.GetBatch(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(j))
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.sched.Cancel(id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errTypeNotFound, "batch_not_found", fmt.Sprintf("batch %s not found", id))
		return
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, errTypeStateConflict, "not_cancellable",
			fmt.Sprintf("batch %s is not in a cancellable state", id))
		return
	default:
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(j))
}

// handleBatchResults streams the output file for a batch, saving clients the
// indirection through /v1/files.
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	s.streamBatchFile(w, r, func(j *batch.Job) *string { return j.OutputFileID }, "output")
}

func (s *Server) handleBatchErrors(w http.ResponseWriter, r *http.Request) {
	s.streamBatchFile(w, r, func(j *batch.Job) *string { return j.ErrorFileID }, "error")
}

func (s *Server) streamBatchFile(w http.ResponseWriter, r *http.Request, pick func(*batch.Job) *string, kind string) {
	j, err := s.meta.GetBatch(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	fileID := pick(j)
	if fileID == nil {
		if !j.Status.IsTerminal() {
			writeError(w, http.StatusConflict, errTypeStateConflict, "batch_not_finished",
				fmt.Sprintf("batch %s is still %s", j.ID, j.Status))
			return
		}
		writeError(w, http.StatusNotFound, errTypeNotFound, "no_"+kind+"_file",
			fmt.Sprintf("batch %s produced no %s file", j.ID, kind))
		return
	}
	s.streamBlob(w, *fileID, fmt.Sprintf("%s_%s.jsonl", j.ID, kind))
}

// --- Models ---

// handleListModels reports the currently loaded model, the configured
// default, and every model family the optimizer has a profile for.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	loaded := s.eng.LoadedModel()
	seen := map[string]bool{}
	data := []modelResponse{}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		data = append(data, modelResponse{ID: id, Object: "model", OwnedBy: "local", Loaded: id == loaded})
	}
	add(loaded)
	add(s.cfg.ModelName)
	if s.opt != nil {
		for _, p := range s.opt.Profiles() {
			add(p.Match)
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Object: "list", Data: data})
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.hb.Snapshot(s.cfg.DeadAfter())
	depth, queued, err := s.sched.QueueUsage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
		return
	}
	body := map[string]any{
		"status": "ok",
		"worker": snap,
		"queue": map[string]int{
			"depth":           depth,
			"queued_requests": queued,
		},
	}
	if snap.Status == heartbeat.StatusDead {
		body["status"] = "degraded"
	}
	if s.gpu != nil {
		free, ferr := s.gpu.FreeBytes()
		total, terr := s.gpu.TotalBytes()
		if ferr == nil && terr == nil {
			body["gpu"] = map[string]uint64{"free_bytes": free, "total_bytes": total}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.meta.Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, errTypeInternal, "db_unreachable", err.Error())
		return
	}
	if s.hb.Snapshot(s.cfg.DeadAfter()).Status == heartbeat.StatusDead {
		writeError(w, http.StatusServiceUnavailable, errTypeInternal, "worker_dead", "worker heartbeat is stale")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, errTypeNotFound, "not_found", "no such resource")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, errTypeStateConflict, "state_conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, errTypeInternal, "", err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 100 {
		return def
	}
	return n
}
