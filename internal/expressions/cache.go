package expressions

import "sync"

// programCache memoizes compiled programs by source text. Compiled programs
// from all three libraries are safe to share across goroutines.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.progs[src]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return p, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}
