package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// Registry maps handler names to implementations. It is filled at process
// start; graphs naming an unregistered handler are rejected at load time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// HandlerInfo summarizes a registered handler for listings.
type HandlerInfo struct {
	Name        string `json:"name"`
	Mode        string `json:"mode,omitempty"`
	Description string `json:"description,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register adds h under h.Name(). Registering a name twice is an error.
func (r *Registry) Register(h StepHandler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeHandlerUnavailable, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeHandlerUnavailable, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "handler %q not registered", name)
	}
	return h, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns every registered handler sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for name, h := range r.handlers {
		info := HandlerInfo{Name: name}
		if m, ok := h.(Moded); ok {
			info.Mode = m.Mode().String()
		}
		if d, ok := h.(Described); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
