package dispense

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-dispense/logger"
)

// Registry maps item types to handlers. It is safe for concurrent use.
type Registry struct {
	handlers *xsync.MapOf[string, Handler]
	logger   logger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(l logger.Logger) *Registry {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Registry{
		handlers: xsync.NewMapOf[string, Handler](),
		logger:   l,
	}
}

// Register adds h under h.Name(). Registering a type twice is an error.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("dispense: nil handler")
	}
	name := h.Name()
	if name == "" {
		return fmt.Errorf("dispense: handler has empty name")
	}
	if _, loaded := r.handlers.LoadOrStore(name, h); loaded {
		return fmt.Errorf("dispense: handler %q already registered", name)
	}
	r.logger.Debug("handler registered", "type", name)

	return nil
}

// Lookup returns the handler for item type t.
func (r *Registry) Lookup(t string) (Handler, bool) {
	return r.handlers.Load(t)
}

// Types returns the registered item types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, r.handlers.Size())
	r.handlers.Range(func(name string, _ Handler) bool {
		types = append(types, name)
		return true
	})
	sort.Strings(types)

	return types
}

// InitAll initialises every handler. Failures are logged and returned
// keyed by type; the handlers stay registered.
func (r *Registry) InitAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, name := range r.Types() {
		h, ok := r.Lookup(name)
		if !ok {
			continue
		}
		if err := h.Init(ctx); err != nil {
			r.logger.Warn("handler init failed", "type", name, "error", err)
			failed[name] = err
			continue
		}
		r.logger.Info("handler initialised", "type", name)
	}

	return failed
}

// Availability resolves ref to its handler and asks it about user.
// Unregistered types are Unknown.
func (r *Registry) Availability(user User, ref ItemRef) Availability {
	h, ok := r.Lookup(ref.Type)
	if !ok {
		return Unknown
	}

	return h.CanDispense(user, ref.ID)
}
