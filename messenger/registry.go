package messenger

import (
	"fmt"
	"slices"
	"sync"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
)

// AccountID identifies a logged-in account.
type AccountID int64

// Registry maps accounts to their engines. The application root owns it
// and hands it to whatever needs to reach an engine.
type Registry struct {
	mu      sync.RWMutex
	engines map[AccountID]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[AccountID]*Engine)}
}

// Add registers an engine for an account.
func (r *Registry) Add(id AccountID, e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; ok {
		return fmt.Errorf("account %d: %w", id, errs.ErrAccountExists)
	}
	r.engines[id] = e
	return nil
}

// Get returns the engine of an account.
func (r *Registry) Get(id AccountID) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// Remove unregisters an account and stops its engine.
func (r *Registry) Remove(id AccountID) bool {
	r.mu.Lock()
	e, ok := r.engines[id]
	delete(r.engines, id)
	r.mu.Unlock()
	if ok {
		e.Close()
	}
	return ok
}

// Accounts lists registered accounts in ascending order.
func (r *Registry) Accounts() []AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]AccountID, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
