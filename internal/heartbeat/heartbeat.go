// Package heartbeat holds the worker's liveness slot. It is the one piece of
// shared mutable state between the worker, the scheduler's monitor, and the
// health endpoint, so it lives in its own package with explicit init and
// teardown rather than as a process global.
package heartbeat

import (
	"sync"
	"time"
)

// WorkerStatus is the worker's coarse activity state.
type WorkerStatus string

const (
	StatusIdle      WorkerStatus = "idle"
	StatusLoading   WorkerStatus = "loading"
	StatusBusy      WorkerStatus = "busy"
	StatusUnloading WorkerStatus = "unloading"
	StatusDead      WorkerStatus = "dead" // derived, never set by the worker
)

// Snapshot is a point-in-time copy of the heartbeat slot.
type Snapshot struct {
	LastSeen     time.Time    `json:"-"`
	LastSeenUnix int64        `json:"last_seen"`
	LoadedModel  string       `json:"loaded_model,omitempty"`
	Status       WorkerStatus `json:"status"`
	BatchID      string       `json:"batch_id,omitempty"`
}

// Cell is the shared heartbeat slot.
type Cell struct {
	mu          sync.Mutex
	lastSeen    time.Time
	loadedModel string
	status      WorkerStatus
	batchID     string
	now         func() time.Time
}

// New returns an initialized cell in the idle state.
func New() *Cell {
	c := &Cell{status: StatusIdle, now: time.Now}
	c.lastSeen = c.now()
	return c
}

// Beat refreshes last_seen without changing anything else.
func (c *Cell) Beat() {
	c.mu.Lock()
	c.lastSeen = c.now()
	c.mu.Unlock()
}

// Set records the worker's status and loaded model, refreshing last_seen.
func (c *Cell) Set(status WorkerStatus, loadedModel, batchID string) {
	c.mu.Lock()
	c.status = status
	c.loadedModel = loadedModel
	c.batchID = batchID
	c.lastSeen = c.now()
	c.mu.Unlock()
}

// Snapshot returns a copy. If the heartbeat is older than deadAfter the
// status is reported as dead regardless of the stored value.
func (c *Cell) Snapshot(deadAfter time.Duration) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		LastSeen:     c.lastSeen,
		LastSeenUnix: c.lastSeen.Unix(),
		LoadedModel:  c.loadedModel,
		Status:       c.status,
		BatchID:      c.batchID,
	}
	if deadAfter > 0 && c.now().Sub(c.lastSeen) > deadAfter {
		s.Status = StatusDead
	}
	return s
}

// Age returns how stale the heartbeat is.
func (c *Cell) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastSeen)
}

// SetClock replaces the time source. Tests only.
func (c *Cell) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
