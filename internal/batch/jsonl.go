package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request is one input JSONL line: a single chat-completion call.
type Request struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Model extracts body.model without decoding the full payload.
func (r Request) Model() string {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(r.Body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// Response is the successful half of a result line.
type Response struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id,omitempty"`
	Body       json.RawMessage `json:"body"`
}

// ResultError is the failed half of a result line.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is one output or error JSONL line. Exactly one of Response and
// Error is non-nil.
type Result struct {
	ID       string       `json:"id"`
	CustomID string       `json:"custom_id"`
	Response *Response    `json:"response"`
	Error    *ResultError `json:"error"`
}

// maxLineBytes bounds a single JSONL record. Chat payloads with long
// contexts can be large; 10 MiB is far beyond anything the engine accepts.
const maxLineBytes = 10 << 20

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return sc
}

// ScanRequests streams the input file, invoking fn for every non-blank line.
// line is 1-based and counts non-blank lines only. A malformed line stops
// the scan with an error naming it.
func ScanRequests(r io.Reader, fn func(line int, req Request) error) error {
	sc := newLineScanner(r)
	n := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		n++
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if err := fn(n, req); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	return nil
}

// CountRequests counts non-blank lines without decoding them.
func CountRequests(r io.Reader) (int, error) {
	sc := newLineScanner(r)
	n := 0
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("count input: %w", err)
	}
	return n, nil
}

// CollectCustomIDs reads a result JSONL file (possibly truncated mid-write)
// and returns the set of custom_ids already recorded. A trailing partial
// line is ignored rather than treated as corruption, since appends are
// atomic only up to the last newline.
func CollectCustomIDs(r io.Reader) (map[string]bool, error) {
	set := map[string]bool{}
	sc := newLineScanner(r)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var res Result
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		if res.CustomID != "" {
			set[res.CustomID] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return set, nil
}

// requestSchema validates one input line at upload pre-scan. It checks
// structure only; model availability is the worker's concern.
const requestSchema = `{
  "type": "object",
  "required": ["custom_id", "method", "url", "body"],
  "properties": {
    "custom_id": {"type": "string", "minLength": 1},
    "method": {"const": "POST"},
    "url": {"const": "/v1/chat/completions"},
    "body": {
      "type": "object",
      "required": ["model", "messages"],
      "properties": {
        "model": {"type": "string", "minLength": 1},
        "messages": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["role", "content"],
            "properties": {
              "role": {"type": "string"},
              "content": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compiledRequestSchema = jsonschema.MustCompileString("batch_request.json", requestSchema)

// ValidateRequestLine checks one raw JSONL line against the request schema.
func ValidateRequestLine(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	if err := compiledRequestSchema.Validate(v); err != nil {
		return err
	}
	return nil
}

// PrescanReader validates every non-blank line of an input stream, returning
// the offending line number on the first failure.
func PrescanReader(r io.Reader) error {
	sc := newLineScanner(r)
	n := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		n++
		if err := ValidateRequestLine(raw); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("prescan: %w", err)
	}
	return nil
}
