// Package dispatch delivers validated actions to the backend.
package dispatch

import (
	"context"
	"sync"

	"github.com/coachpo/offqueue/errs"
	"github.com/coachpo/offqueue/internal/domain/action"
)

const component = "dispatch"

// Handler delivers a single action. A nil error means the backend accepted it.
type Handler interface {
	Dispatch(ctx context.Context, a action.PendingAction) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a action.PendingAction) error

// Dispatch calls f.
func (f HandlerFunc) Dispatch(ctx context.Context, a action.PendingAction) error {
	return f(ctx, a)
}

// Registry routes actions to the handler registered for their type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[action.Type]Handler
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[action.Type]Handler)}
}

// Register binds h to typ, replacing any previous binding.
func (r *Registry) Register(typ action.Type, h Handler) error {
	if !typ.Valid() {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unsupported action type"), errs.WithField("type", string(typ)))
	}
	if h == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("handler required"), errs.WithField("type", string(typ)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
	return nil
}

// RegisterAll binds h to every known action type.
func (r *Registry) RegisterAll(h Handler) error {
	for _, typ := range action.Types() {
		if err := r.Register(typ, h); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the handler bound to typ.
func (r *Registry) Handler(typ action.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Dispatch forwards a to its handler. A missing handler is a dispatch failure.
func (r *Registry) Dispatch(ctx context.Context, a action.PendingAction) error {
	h, ok := r.Handler(a.Type)
	if !ok {
		return errs.New(component, errs.CodeDispatchFailed,
			errs.WithMessage("no handler registered for "+string(a.Type)),
			errs.WithField("id", a.ID))
	}
	return h.Dispatch(ctx, a)
}

var _ Handler = (*Registry)(nil)
