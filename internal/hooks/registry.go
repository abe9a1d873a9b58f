package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry manages handler registrations and event dispatch. It is an
// explicit dependency: components that fire events hold a *Registry, there
// is no package-level instance.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]*Registration
	byID     map[string]*Registration
	logger   *slog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventType][]*Registration),
		byID:     make(map[string]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) {
		r.Priority = p
	}
}

// WithName sets the handler name for logging.
func WithName(name string) RegisterOption {
	return func(r *Registration) {
		r.Name = name
	}
}

// Register adds a handler for an event type and returns the registration
// id for later removal.
func (r *Registry) Register(event EventType, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.New().String(),
		Event:    event,
		Priority: PriorityNormal,
		Handler:  handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[event] = append(r.handlers[event], reg)
	sort.SliceStable(r.handlers[event], func(i, j int) bool {
		return r.handlers[event][i].Priority < r.handlers[event][j].Priority
	})
	r.byID[reg.ID] = reg

	r.logger.Debug("registered hook", "id", reg.ID, "event", event, "name", reg.Name, "priority", reg.Priority)
	return reg.ID
}

// Unregister removes a handler by registration id.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	handlers := r.handlers[reg.Event]
	for i, h := range handlers {
		if h.ID == id {
			r.handlers[reg.Event] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return true
}

// HandlerCount returns the number of handlers for an event.
func (r *Registry) HandlerCount(event EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Fire dispatches an event to every handler in priority order. Handler
// errors and panics are logged and do not stop later handlers; the first
// error is returned for callers that care.
func (r *Registry) Fire(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.RLock()
	handlers := make([]*Registration, len(r.handlers[event.Type]))
	copy(handlers, r.handlers[event.Type])
	r.mu.RUnlock()

	var firstErr error
	for _, reg := range handlers {
		if err := r.call(ctx, reg, event); err != nil {
			r.logger.Warn("hook handler error",
				"event", event.Type,
				"handler_id", reg.ID,
				"handler_name", reg.Name,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) call(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, event)
}

// FireAsync dispatches an event without waiting for handlers.
func (r *Registry) FireAsync(ctx context.Context, event *Event) {
	go func() {
		if err := r.Fire(ctx, event); err != nil {
			r.logger.Warn("async hook error", "event", event.Type, "error", err)
		}
	}()
}
