package results

import (
	"slices"
	"sync"
)

// cache buffers results that have not been flushed yet, per token and API.
type cache struct {
	mu      sync.Mutex
	entries map[string]map[string][]Result
}

func newCache() *cache {
	return &cache{entries: make(map[string]map[string][]Result, 16)}
}

func (c *cache) append(token, api string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	apis, ok := c.entries[token]
	if !ok {
		apis = make(map[string][]Result, 4)
		c.entries[token] = apis
	}

	apis[api] = append(apis[api], r)
}

func (c *cache) snapshot(token, api string) []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.entries[token][api])
}

func (c *cache) apis(token string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.entries[token]))
	for api, results := range c.entries[token] {
		if len(results) > 0 {
			out = append(out, api)
		}
	}

	return out
}

// drop removes the first n results of (token, api), which are the ones a
// flush just wrote.
func (c *cache) drop(token, api string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	apis, ok := c.entries[token]
	if !ok {
		return
	}

	results := apis[api]
	if n >= len(results) {
		delete(apis, api)
	} else {
		apis[api] = slices.Clone(results[n:])
	}

	if len(apis) == 0 {
		delete(c.entries, token)
	}
}

func (c *cache) len(token, api string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries[token][api])
}

func (c *cache) remove(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, token)
}
