// Package batch defines the domain objects shared by the store, scheduler,
// worker, and HTTP surface: files, batch jobs, the status state machine, and
// the JSONL request/result line formats.
package batch

// File purposes.
const (
	PurposeBatch       = "batch"
	PurposeBatchOutput = "batch_output"
	PurposeBatchError  = "batch_error"
)

// File is the metadata record for an uploaded or produced blob. Content and
// Bytes are immutable once the record exists; deletion is a soft flag until
// the retention sweeper hard-deletes.
type File struct {
	ID        string `db:"id" json:"id"`
	Purpose   string `db:"purpose" json:"purpose"`
	Filename  string `db:"filename" json:"filename"`
	Bytes     int64  `db:"bytes" json:"bytes"`
	Checksum  string `db:"checksum" json:"checksum,omitempty"`
	Path      string `db:"path" json:"-"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
	Deleted   bool   `db:"deleted" json:"-"`
}

// Status is the batch job state. Transitions form a DAG; the only legal way
// to advance is the MetadataStore's compare-and-set.
type Status string

const (
	StatusValidating Status = "validating"
	StatusInProgress Status = "in_progress"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// TimestampColumn names the batches column stamped when a batch enters s.
// Empty for validating, whose timestamp is created_at.
func (s Status) TimestampColumn() string {
	switch s {
	case StatusInProgress:
		return "in_progress_at"
	case StatusFinalizing:
		return "finalizing_at"
	case StatusCompleted:
		return "completed_at"
	case StatusFailed:
		return "failed_at"
	case StatusExpired:
		return "expired_at"
	case StatusCancelling:
		return "cancelling_at"
	case StatusCancelled:
		return "cancelled_at"
	}
	return ""
}

// legalEdges is the transition DAG. cancelling is reachable from any
// non-terminal state; expiry likewise.
var legalEdges = map[Status][]Status{
	StatusValidating: {StatusInProgress, StatusFailed, StatusExpired, StatusCancelling, StatusCancelled, StatusCompleted},
	StatusInProgress: {StatusFinalizing, StatusFailed, StatusExpired, StatusCancelling},
	StatusFinalizing: {StatusCompleted, StatusFailed, StatusExpired, StatusCancelled},
	StatusCancelling: {StatusCancelled, StatusFinalizing},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, t := range legalEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists every state a resumable batch can be in.
func NonTerminalStatuses() []Status {
	return []Status{StatusValidating, StatusInProgress, StatusFinalizing, StatusCancelling}
}

// RequestCounts tracks per-batch progress. Each field is monotonically
// non-decreasing; completed+failed never exceeds total.
type RequestCounts struct {
	Total     int `db:"total" json:"total"`
	Completed int `db:"completed" json:"completed"`
	Failed    int `db:"failed" json:"failed"`
}

// ErrorItem is one entry in a failed batch's errors list, OpenAI-shaped.
type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    *int   `json:"line,omitempty"`
}

// Errors is the OpenAI-shaped error list attached to failed batches.
type Errors struct {
	Object string      `json:"object"`
	Data   []ErrorItem `json:"data"`
}

// Job is the scheduling unit: one uploaded file of requests processed as a
// whole. Timestamp pointers are nil until the corresponding state is
// entered.
type Job struct {
	ID               string  `db:"id"`
	Endpoint         string  `db:"endpoint"`
	InputFileID      string  `db:"input_file_id"`
	OutputFileID     *string `db:"output_file_id"`
	ErrorFileID      *string `db:"error_file_id"`
	Status           Status  `db:"status"`
	CompletionWindow string  `db:"completion_window"`

	CreatedAt    int64  `db:"created_at"`
	ExpiresAt    int64  `db:"expires_at"`
	InProgressAt *int64 `db:"in_progress_at"`
	FinalizingAt *int64 `db:"finalizing_at"`
	CompletedAt  *int64 `db:"completed_at"`
	FailedAt     *int64 `db:"failed_at"`
	ExpiredAt    *int64 `db:"expired_at"`
	CancellingAt *int64 `db:"cancelling_at"`
	CancelledAt  *int64 `db:"cancelled_at"`

	Counts   RequestCounts
	Metadata map[string]string
	Errors   *Errors
}

// Model returns the model hint supplied via batch metadata, if any.
func (j *Job) Model() string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata["model"]
}

// Endpoints the batch API accepts. Only chat completions is supported.
const EndpointChatCompletions = "/v1/chat/completions"
