package buffer

import (
	"io"
	"log/slog"
	"sync"
)

// Registry maps message types to their handlers. Registration is
// process-lifetime state; there is no persistence. Lookup is O(1).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used to report handler replacements.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty handler registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler for its message type. Replacing an existing
// registration is last-write-wins and is always logged.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Type() == "" {
		return ErrInvalidHandlerType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		r.logger.Warn("replacing registered handler", slog.String("type", h.Type()))
	}
	r.handlers[h.Type()] = h
	return nil
}

// Lookup returns the handler for the message type or ErrHandlerNotFound.
func (r *Registry) Lookup(msgType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[msgType]
	if !ok {
		return nil, ErrHandlerNotFound
	}
	return h, nil
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// policyFor resolves the effective policy of a handler, tolerating handlers
// without the PolicyProvider capability.
func policyFor(h Handler) Policy {
	if p, ok := h.(PolicyProvider); ok {
		return p.Policy()
	}
	return Policy{}
}
