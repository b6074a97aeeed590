package validation

// HandlerLookup reports whether a handler name is registered.
// *handlers.Registry satisfies it.
type HandlerLookup interface {
	Has(name string) bool
}

// HandlerSet is a fixed HandlerLookup.
type HandlerSet map[string]struct{}

// NewHandlerSet builds a HandlerSet from names.
func NewHandlerSet(names ...string) HandlerSet {
	s := make(HandlerSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s HandlerSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}
