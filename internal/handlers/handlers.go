// Package handlers runs post-completion side effects. Handlers execute
// sequentially in registration order after a batch reaches a terminal state
// and all persistence has committed; a handler failing (or panicking) is
// logged and never affects batch status or later handlers.
package handlers

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/zisaacson/batchlocallm/internal/batch"
)

// Summary is the completion event handed to each handler.
type Summary struct {
	BatchID      string
	Status       batch.Status
	CreatedAt    int64
	CompletedAt  *int64
	Counts       batch.RequestCounts
	OutputFileID *string
	ErrorFileID  *string
}

// Handler is one post-completion plugin.
type Handler interface {
	// Name identifies the handler; re-registering a name replaces the
	// previous registration in place.
	Name() string
	// Enabled lets a handler self-skip based on batch metadata.
	Enabled(metadata map[string]string) bool
	// Handle performs the side effect and reports success. It must not
	// panic out; the registry recovers and routes panics to OnError.
	Handle(ctx context.Context, summary Summary, metadata map[string]string) bool
	// OnError receives failures and recovered panics for reporting.
	OnError(err error)
}

// Registry dispatches completion events to registered handlers in order.
type Registry struct {
	mu     sync.Mutex
	order  []string
	byName map[string]Handler
	logger *log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[handlers] ", log.LstdFlags)
	}
	return &Registry{byName: map[string]Handler{}, logger: logger}
}

// Register appends h, or replaces an existing handler with the same name
// without changing its position in the run order.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := h.Name()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = h
}

// Names returns the registered handler names in run order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

// Process runs every enabled handler for one completed batch. Failures are
// confined: each handler runs regardless of what earlier ones did.
func (r *Registry) Process(ctx context.Context, summary Summary, metadata map[string]string) {
	r.mu.Lock()
	run := make([]Handler, 0, len(r.order))
	for _, name := range r.order {
		run = append(run, r.byName[name])
	}
	r.mu.Unlock()

	for _, h := range run {
		if !h.Enabled(metadata) {
			continue
		}
		ok := r.invoke(ctx, h, summary, metadata)
		if ok {
			r.logger.Printf("handler %s succeeded for %s", h.Name(), summary.BatchID)
		} else {
			r.logger.Printf("handler %s failed for %s", h.Name(), summary.BatchID)
		}
	}
}

// invoke runs one handler with panic isolation.
func (r *Registry) invoke(ctx context.Context, h Handler, summary Summary, metadata map[string]string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			h.OnError(fmt.Errorf("handler %s panicked for %s: %v", h.Name(), summary.BatchID, rec))
		}
	}()
	return h.Handle(ctx, summary, metadata)
}
