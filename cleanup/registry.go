package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
)

// Kind classifies the resource a cleanup entry compensates for.
type Kind string

// Resource kinds. KindAll is only a filter value for Invoke, never stored.
const (
	KindAll      Kind = "All"
	KindVM       Kind = "VM"
	KindVHDX     Kind = "VHDX"
	KindDISM     Kind = "DISM"
	KindISO      Kind = "ISO"
	KindTempFile Kind = "TempFile"
	KindBITS     Kind = "BITS"
	KindShare    Kind = "Share"
	KindUser     Kind = "User"
	KindOther    Kind = "Other"
)

// Action undoes one resource. It closes over explicit parameters only.
type Action func(ctx context.Context) error

// Entry is one pending compensating action.
type Entry struct {
	ID           uuid.UUID
	Name         string
	Resource     Kind
	ResourceID   string
	Action       Action
	RegisteredAt time.Time
}

// Registry is a thread-safe ledger of pending compensating actions,
// executed in reverse-registration order on failure. Registration may
// happen concurrently from download workers while the orchestration
// goroutine reads or drains the ledger.
type Registry struct {
	mu      sync.Mutex
	entries []*Entry
}

// Default is the process-wide registry shared by the orchestrator and the
// phase collaborators.
var Default = New()

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register appends a compensating action and returns its fresh unique ID.
// Entries are never deduplicated by name. A nil kind defaults to Other.
func (r *Registry) Register(name string, kind Kind, resourceID string, action Action) uuid.UUID {
	if kind == "" || kind == KindAll {
		kind = KindOther
	}
	e := &Entry{
		ID:           uuid.New(),
		Name:         name,
		Resource:     kind,
		ResourceID:   resourceID,
		Action:       action,
		RegisteredAt: time.Now(),
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return e.ID
}

// Unregister removes the entry with the given ID, reporting whether a
// removal occurred. Called by collaborators after they tear a resource down
// themselves.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Invoke executes the pending actions whose kind matches the filter
// (KindAll matches everything) in strict LIFO order: later-registered
// resources typically nest inside earlier ones, so they must be undone
// first. A failing action is logged and retained for a later retry; the
// pass always continues to the next entry. Entries are removed only after
// their action returns nil. Unmatched entries are left untouched.
func (r *Registry) Invoke(ctx context.Context, reason string, kind Kind) {
	logger := log.WithFunc("cleanup.Invoke")

	matched := r.snapshotLIFO(kind)
	if len(matched) == 0 {
		return
	}
	logger.Warnf(ctx, "running %d cleanup action(s): %s", len(matched), reason)

	for _, e := range matched {
		if err := runAction(ctx, e); err != nil {
			logger.Warnf(ctx, "cleanup %s (%s %s) failed, kept for retry: %v", e.Name, e.Resource, e.ResourceID, err)
			continue
		}
		logger.Infof(ctx, "cleanup %s (%s) done", e.Name, e.Resource)
		r.removeByID(e.ID)
	}
}

// Clear unconditionally empties the registry. Used at build start and end
// to prevent cross-build leakage.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Entries returns a detached snapshot in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshotLIFO returns matching entries, most recently registered first.
// Actions run outside the lock so a slow undo never blocks registration.
func (r *Registry) snapshotLIFO(kind Kind) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if kind == KindAll || e.Resource == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

func (r *Registry) removeByID(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// runAction executes one action, converting a panic into an error so a
// broken undo cannot take down the cleanup pass.
func runAction(ctx context.Context, e *Entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup action panicked: %v", p)
		}
	}()
	if e.Action == nil {
		return nil
	}
	return e.Action(ctx)
}
