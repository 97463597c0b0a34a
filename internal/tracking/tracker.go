// Package tracking keeps short-lived, in-memory progress snapshots of pipeline runs,
// keyed by correlation id. Entries are lost on restart; the persisted invoice status
// is the durable fallback.
package tracking

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run states reported to clients
const (
	StatePending           = "pending"
	StateProcessing        = "processing"
	StateCompleted         = "completed"
	StateFailed            = "failed"
	StateDuplicateDetected = "duplicate_detected"
)

// Status is one immutable snapshot of a run's progress
type Status struct {
	CorrelationID string     `json:"correlation_id"`
	InvoiceID     *uuid.UUID `json:"invoice_id,omitempty"`
	Status        string     `json:"status"`
	Progress      int        `json:"progress"`
	CurrentStep   string     `json:"current_step"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Error         string     `json:"error,omitempty"`
}

// Finished reports whether the run has reached a terminal state
func (s Status) Finished() bool {
	switch s.Status {
	case StateCompleted, StateFailed, StateDuplicateDetected:
		return true
	}
	return false
}

type entry struct {
	status     Status
	generation uint64
	timer      *time.Timer
}

// Tracker is a bounded correlationID -> Status map with scheduled eviction.
// Writers replace whole snapshots, so readers never see a half-updated status.
type Tracker struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	capacity   int
	retention  time.Duration
	generation uint64
	closed     bool
	logger     *slog.Logger
}

// New creates a tracker holding at most capacity runs, each kept for retention after it finishes
func New(capacity int, retention time.Duration, logger *slog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = 10000
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Tracker{
		entries:   make(map[string]*entry),
		capacity:  capacity,
		retention: retention,
		logger:    logger,
	}
}

// Put stores a full snapshot for s.CorrelationID, replacing any previous one
func (t *Tracker) Put(s Status) {
	if s.CorrelationID == "" {
		return
	}
	if s.InvoiceID != nil {
		id := *s.InvoiceID
		s.InvoiceID = &id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if e, ok := t.entries[s.CorrelationID]; ok {
		e.status = s
		return
	}
	if len(t.entries) >= t.capacity {
		t.evictLocked()
	}
	t.generation++
	t.entries[s.CorrelationID] = &entry{status: s, generation: t.generation}
}

// Get returns the snapshot for a correlation id
func (t *Tracker) Get(correlationID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[correlationID]
	if !ok {
		return Status{}, false
	}
	return e.status, true
}

// FindByInvoiceID scans tracked runs for the most recently updated one bound to invoiceID
func (t *Tracker) FindByInvoiceID(invoiceID uuid.UUID) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		found Status
		ok    bool
	)
	for _, e := range t.entries {
		if e.status.InvoiceID == nil || *e.status.InvoiceID != invoiceID {
			continue
		}
		if !ok || e.status.UpdatedAt.After(found.UpdatedAt) {
			found, ok = e.status, true
		}
	}
	return found, ok
}

// Remove drops the snapshot for a correlation id
func (t *Tracker) Remove(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(correlationID)
}

// RemoveByInvoiceID drops every snapshot bound to invoiceID and returns how many were removed
func (t *Tracker) RemoveByInvoiceID(invoiceID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.entries {
		if e.status.InvoiceID != nil && *e.status.InvoiceID == invoiceID {
			t.removeLocked(id)
			removed++
		}
	}
	return removed
}

// ScheduleEviction removes the entry once the retention delay elapses.
// A later Put under the same correlation id keeps the same entry, so the timer still applies;
// a re-created entry (after Remove) carries a new generation and is left alone.
func (t *Tracker) ScheduleEviction(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[correlationID]
	if !ok || t.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	generation := e.generation
	e.timer = time.AfterFunc(t.retention, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if current, ok := t.entries[correlationID]; ok && current.generation == generation {
			delete(t.entries, correlationID)
			t.logger.Debug("evicted processing status", "correlation_id", correlationID)
		}
	})
}

// Active counts tracked runs that have not finished yet
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if !e.status.Finished() {
			n++
		}
	}
	return n
}

// Len counts all tracked runs
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Close stops pending eviction timers and drops every entry
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.entries {
		t.removeLocked(id)
	}
	t.closed = true
}

func (t *Tracker) removeLocked(correlationID string) {
	e, ok := t.entries[correlationID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, correlationID)
}

// evictLocked makes room for one entry: the oldest finished run goes first,
// otherwise the oldest run of all.
func (t *Tracker) evictLocked() {
	var (
		victim         string
		victimGen      uint64
		victimFinished bool
	)
	for id, e := range t.entries {
		finished := e.status.Finished()
		switch {
		case victim == "":
		case finished && !victimFinished:
		case finished == victimFinished && e.generation < victimGen:
		default:
			continue
		}
		victim, victimGen, victimFinished = id, e.generation, finished
	}
	if victim != "" {
		t.logger.Warn("status tracker full, evicting entry",
			"correlation_id", victim,
			"finished", victimFinished)
		t.removeLocked(victim)
	}
}
