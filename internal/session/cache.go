// Package session holds SSH passwords for the lifetime of one
// interactive run. Nothing here is ever written to disk.
package session

import "sync"

type PasswordCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewPasswordCache() *PasswordCache {
	return &PasswordCache{}
}

func (c *PasswordCache) Get(station string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[station]
	return v, ok
}

func (c *PasswordCache) Set(station, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]string{}
	}
	c.m[station] = password
}

// Forget drops a cached password, typically after an auth failure so
// the next attempt prompts again.
func (c *PasswordCache) Forget(station string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, station)
}
