package handlers

import (
	"sort"
	"sync"

	"github.com/larenas/sagaflow/pkg/schema"
)

// Registry is the thread-safe handler lookup keyed by action type.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[schema.ActionType]Handler
	compensations map[schema.CompensationType]CompensationHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:      make(map[schema.ActionType]Handler),
		compensations: make(map[schema.CompensationType]CompensationHandler),
	}
}

// Register adds a handler. Returns an error on unknown action type or duplicate.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	at := h.ActionType()
	if !at.Valid() {
		return schema.NewErrorf(schema.ErrCodeUnknownAction, "action type %q is not in the capability enum", at)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[at]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", at)
	}

	r.handlers[at] = h
	return nil
}

// Get retrieves the handler for an action type.
func (r *Registry) Get(at schema.ActionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[at]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownAction, "no handler registered for %q", at)
	}
	return h, nil
}

// Has checks whether a handler is registered for the action type.
func (r *Registry) Has(at schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[at]
	return ok
}

// RegisterCompensation adds a compensation handler. Duplicates are an error.
func (r *Registry) RegisterCompensation(h CompensationHandler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "compensation handler is nil")
	}
	ct := h.CompensationType()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.compensations[ct]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "compensation handler for %q already registered", ct)
	}

	r.compensations[ct] = h
	return nil
}

// GetCompensation retrieves the compensation handler for a compensation type.
// The bool result is false when none is registered; callers fall back to a
// logged no-op rather than failing the sweep.
func (r *Registry) GetCompensation(ct schema.CompensationType) (CompensationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.compensations[ct]
	return h, ok
}

// List returns info for all registered handlers, sorted by action type.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for at, h := range r.handlers {
		_, probeable := h.(Prober)
		infos = append(infos, HandlerInfo{ActionType: at, Probeable: probeable})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ActionType < infos[j].ActionType
	})
	return infos
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
