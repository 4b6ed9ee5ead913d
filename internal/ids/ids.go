// Package ids generates the opaque identifiers exposed by the API. All ids
// are ULIDs carrying an OpenAI-style prefix so that object kinds are
// distinguishable at a glance in logs and client code.
package ids

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixFile       = "file-"
	PrefixOutputFile = "file-out-"
	PrefixErrorFile  = "file-err-"
	PrefixBatch      = "batch_"
	PrefixRequest    = "req_"
)

func newULID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return strings.ToLower(id.String()), nil
}

// NewFileID returns an id for an uploaded input file.
func NewFileID() (string, error) {
	s, err := newULID()
	if err != nil {
		return "", err
	}
	return PrefixFile + s, nil
}

// NewOutputFileID returns an id for a worker-produced result file.
func NewOutputFileID() (string, error) {
	s, err := newULID()
	if err != nil {
		return "", err
	}
	return PrefixOutputFile + s, nil
}

// NewErrorFileID returns an id for a worker-produced error file.
func NewErrorFileID() (string, error) {
	s, err := newULID()
	if err != nil {
		return "", err
	}
	return PrefixErrorFile + s, nil
}

// NewBatchID returns an id for a batch job.
func NewBatchID() (string, error) {
	s, err := newULID()
	if err != nil {
		return "", err
	}
	return PrefixBatch + s, nil
}

// NewRequestID returns an id for a single result line.
func NewRequestID() (string, error) {
	s, err := newULID()
	if err != nil {
		return "", err
	}
	return PrefixRequest + s, nil
}

// IsFileID reports whether id carries any of the file prefixes. Produced
// files (file-out-, file-err-) also match the plain file- prefix.
func IsFileID(id string) bool {
	return strings.HasPrefix(id, PrefixFile)
}

// IsBatchID reports whether id carries the batch prefix.
func IsBatchID(id string) bool {
	return strings.HasPrefix(id, PrefixBatch)
}
