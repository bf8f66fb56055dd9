// Package processstore implements C5: an in-memory, mutex-guarded
// associative container of ProcessRecords keyed by process id (spec §3,
// §4.5), grounded on the corpus's in-memory-store idiom (map + sync.RWMutex,
// copy-on-read).
package processstore

import (
	"sync"
	"time"

	"github.com/kandev/sandboxd/internal/common/apperr"
)

// Status is a ProcessRecord's lifecycle stage (spec §3).
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
	StatusError     Status = "error"
)

// IsTerminal reports whether s is one of the four terminal statuses (spec
// §3: "terminal statuses never transition").
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusError:
		return true
	default:
		return false
	}
}

// Handle is the weak (sessionId, commandId) pair linking a ProcessRecord to
// the Session command that produces its output (spec §9: "never keep a
// direct owning reference from the record to the session").
type Handle struct {
	SessionID string
	CommandID string
}

// OutputListener observes output chunks as they arrive.
type OutputListener func(stream string, chunk string)

// StatusListener observes status transitions, including the one terminal
// transition every record makes exactly once.
type StatusListener func(status Status)

// Record is one ProcessStore entry (spec §3).
type Record struct {
	ID        string
	ShellPID  int
	Command   string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	SessionID string
	Stdout    string
	Stderr    string
	Handle    Handle

	mu              sync.Mutex
	outputListeners []OutputListener
	statusListeners []StatusListener
}

// snapshot returns a value copy of r without its listener slices, safe to
// hand to a caller outside the store's lock.
func (r *Record) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.outputListeners = nil
	cp.statusListeners = nil
	return cp
}

// AddOutputListener registers l to receive every chunk appended afterward.
// It does not replay output that is already buffered; SubscribeOutput
// returns that buffer together with the registration.
func (r *Record) AddOutputListener(l OutputListener) {
	r.mu.Lock()
	r.outputListeners = append(r.outputListeners, l)
	r.mu.Unlock()
}

// SubscribeOutput atomically returns the stdout/stderr buffered so far and
// registers l to receive every chunk appended afterward. Doing both under
// one lock acquisition is required for spec §4.6's "restartable" guarantee:
// snapshotting the buffer and registering the listener as two separate
// locked sections would leave a window in which a chunk appended by a
// concurrent AppendOutput is in neither the snapshot nor delivered to l.
func (r *Record) SubscribeOutput(l OutputListener) (stdout, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stdout, stderr = r.Stdout, r.Stderr
	r.outputListeners = append(r.outputListeners, l)
	return stdout, stderr
}

// AddStatusListener registers l. If the record is already terminal, l is
// invoked immediately with the final status (spec §3, §4.6, invariant 3):
// "listeners added after termination are notified immediately with the
// final state."
func (r *Record) AddStatusListener(l StatusListener) {
	r.mu.Lock()
	status := r.Status
	terminal := status.IsTerminal()
	if !terminal {
		r.statusListeners = append(r.statusListeners, l)
	}
	r.mu.Unlock()

	if terminal {
		l(status)
	}
}

// AppendOutput appends a chunk to the record's buffer and fans it out to
// every registered output listener. The listeners run after r's mutex is
// released, on the caller's goroutine; invocations are serialized only as
// far as the caller serializes its AppendOutput calls.
func (r *Record) AppendOutput(stream, chunk string) {
	r.mu.Lock()
	if stream == "stderr" {
		r.Stderr += chunk
	} else {
		r.Stdout += chunk
	}
	listeners := append([]OutputListener(nil), r.outputListeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l(stream, chunk)
	}
}

// SetTerminal transitions the record to a terminal status exactly once and
// notifies every status listener. Calling it again is a no-op (spec
// invariant 3).
func (r *Record) SetTerminal(status Status, exitCode int, endTime time.Time) {
	r.mu.Lock()
	if r.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.Status = status
	r.ExitCode = exitCode
	r.EndTime = endTime
	listeners := append([]StatusListener(nil), r.statusListeners...)
	r.statusListeners = nil
	r.mu.Unlock()

	for _, l := range listeners {
		l(status)
	}
}

// Filter narrows List to records matching the given status, if set.
type Filter struct {
	Status *Status
}

// Store is the process-wide ProcessRecord registry.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// New constructs an empty Store.
func New() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Create inserts a new record, starting status `starting`, empty buffers.
func (s *Store) Create(id, command, sessionID string, handle Handle) *Record {
	r := &Record{
		ID:        id,
		Command:   command,
		Status:    StatusStarting,
		StartTime: time.Now(),
		SessionID: sessionID,
		Handle:    handle,
	}
	s.mu.Lock()
	s.records[id] = r
	s.mu.Unlock()
	return r
}

// Get returns the live record for id, or nil if absent. The caller must
// not retain the pointer past the record's removal via Delete/cleanup
// without expecting its listener state to be gone.
func (s *Store) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// Update applies a partial mutation to an existing record, failing if the
// id is unknown (spec §4.5: "update on an unknown id must fail").
func (s *Store) Update(id string, mutate func(*Record)) *apperr.AppError {
	s.mu.RLock()
	r := s.records[id]
	s.mu.RUnlock()
	if r == nil {
		return apperr.ProcessNotFound(id)
	}
	r.mu.Lock()
	mutate(r)
	r.mu.Unlock()
	return nil
}

// Delete removes a record unconditionally.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// List returns snapshots of every record matching filter.
func (s *Store) List(filter Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		snap := r.snapshot()
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		result = append(result, snap)
	}
	return result
}

// Cleanup removes every record whose StartTime is older than olderThan and
// whose status is terminal (spec §4.5).
func (s *Store) Cleanup(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.records {
		snap := r.snapshot()
		if snap.Status.IsTerminal() && snap.StartTime.Before(olderThan) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
