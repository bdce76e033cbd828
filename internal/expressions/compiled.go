package expressions

import "sync"

// maxCompiled caps each engine's program cache. A full cache is dropped
// wholesale rather than tracking recency.
const maxCompiled = 4096

// compiled caches programs by source text. Failed compilations are not
// cached. Two goroutines may compile the same source concurrently; the
// first stored program wins.
type compiled[T any] struct {
	compile func(src string) (T, error)

	mu       sync.RWMutex
	programs map[string]T
}

func newCompiled[T any](compile func(src string) (T, error)) *compiled[T] {
	return &compiled[T]{compile: compile, programs: make(map[string]T)}
}

func (c *compiled[T]) get(src string) (T, error) {
	c.mu.RLock()
	prg, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := c.compile(src)
	if err != nil {
		return prg, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.programs[src]; ok {
		return existing, nil
	}
	if len(c.programs) >= maxCompiled {
		c.programs = make(map[string]T)
	}
	c.programs[src] = prg
	return prg, nil
}

func (c *compiled[T]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
