package rules

import (
	"regexp"
	"sync"
	"sync/atomic"
)

// maxCached bounds each compile cache. Matcher values resolved from templates
// can differ per exchange; once a cache is full, new patterns are compiled on
// every use and literals compiled by CompileProfile stay cached.
const maxCached = 4096

// compileCache holds compiled patterns. Entries are never replaced, so readers
// share one compiled value per key.
type compileCache[T any] struct {
	m     sync.Map
	n     atomic.Int64
	limit int64
}

func (c *compileCache[T]) get(key string, compile func(string) (T, error)) (T, error) {
	if v, ok := c.m.Load(key); ok {
		return v.(T), nil
	}
	v, err := compile(key)
	if err != nil {
		var zero T
		return zero, err
	}
	limit := c.limit
	if limit <= 0 {
		limit = maxCached
	}
	if c.n.Load() >= limit {
		return v, nil
	}
	actual, loaded := c.m.LoadOrStore(key, v)
	if !loaded {
		c.n.Add(1)
	}
	return actual.(T), nil
}

func (c *compileCache[T]) size() int {
	return int(c.n.Load())
}

type regexCache struct {
	compileCache[*regexp.Regexp]
}

func (c *regexCache) get(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}
	return c.compileCache.get(key, regexp.Compile)
}
