package server

import (
	"encoding/json"
	"net/http"

	"github.com/zisaacson/batchlocallm/internal/batch"
)

// Error taxonomy, surfaced in the error envelope's type field.
const (
	errTypeInvalidRequest = "invalid_request"
	errTypeQueueFull      = "queue_full"
	errTypeNotFound       = "not_found"
	errTypeStateConflict  = "state_conflict"
	errTypeInternal       = "internal_error"
)

// apiError is the OpenAI-shaped error envelope body.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// fileResponse is the OpenAI file object.
type fileResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	Checksum  string `json:"checksum,omitempty"`
}

func toFileResponse(f *batch.File) fileResponse {
	return fileResponse{
		ID:        f.ID,
		Object:    "file",
		Bytes:     f.Bytes,
		CreatedAt: f.CreatedAt,
		Filename:  f.Filename,
		Purpose:   f.Purpose,
		Checksum:  f.Checksum,
	}
}

// deleteResponse acknowledges a file deletion.
type deleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// createBatchRequest is the POST /v1/batches body.
type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata"`
}

// batchResponse is the OpenAI batch object.
type batchResponse struct {
	ID               string              `json:"id"`
	Object           string              `json:"object"`
	Endpoint         string              `json:"endpoint"`
	Errors           *batch.Errors       `json:"errors,omitempty"`
	InputFileID      string              `json:"input_file_id"`
	CompletionWindow string              `json:"completion_window"`
	Status           batch.Status        `json:"status"`
	OutputFileID     *string             `json:"output_file_id,omitempty"`
	ErrorFileID      *string             `json:"error_file_id,omitempty"`
	CreatedAt        int64               `json:"created_at"`
	InProgressAt     *int64              `json:"in_progress_at,omitempty"`
	ExpiresAt        int64               `json:"expires_at"`
	FinalizingAt     *int64              `json:"finalizing_at,omitempty"`
	CompletedAt      *int64              `json:"completed_at,omitempty"`
	FailedAt         *int64              `json:"failed_at,omitempty"`
	ExpiredAt        *int64              `json:"expired_at,omitempty"`
	CancellingAt     *int64              `json:"cancelling_at,omitempty"`
	CancelledAt      *int64              `json:"cancelled_at,omitempty"`
	RequestCounts    batch.RequestCounts `json:"request_counts"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
}

func toBatchResponse(j *batch.Job) batchResponse {
	return batchResponse{
		ID:               j.ID,
		Object:           "batch",
		Endpoint:         j.Endpoint,
		Errors:           j.Errors,
		InputFileID:      j.InputFileID,
		CompletionWindow: j.CompletionWindow,
		Status:           j.Status,
		OutputFileID:     j.OutputFileID,
		ErrorFileID:      j.ErrorFileID,
		CreatedAt:        j.CreatedAt,
		InProgressAt:     j.InProgressAt,
		ExpiresAt:        j.ExpiresAt,
		FinalizingAt:     j.FinalizingAt,
		CompletedAt:      j.CompletedAt,
		FailedAt:         j.FailedAt,
		ExpiredAt:        j.ExpiredAt,
		CancellingAt:     j.CancellingAt,
		CancelledAt:      j.CancelledAt,
		RequestCounts:    j.Counts,
		Metadata:         j.Metadata,
	}
}

// listResponse is the OpenAI list envelope.
type listResponse struct {
	Object  string `json:"object"`
	Data    any    `json:"data"`
	FirstID string `json:"first_id,omitempty"`
	LastID  string `json:"last_id,omitempty"`
	HasMore bool   `json:"has_more"`
}

// modelResponse is one entry of GET /v1/models.
type modelResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Loaded  bool   `json:"loaded"`
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Message: msg, Type: errType, Code: code}})
}
