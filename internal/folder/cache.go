package folder

import (
	"bytes"
	"sync"
)

// hashCache remembers the content hash last written or pushed per path.
// A watcher event for content already in the cache is an echo of our own
// write and is not pushed again.
type hashCache struct {
	mu     sync.Mutex
	hashes map[string][]byte
}

func newHashCache() *hashCache {
	return &hashCache{hashes: make(map[string][]byte)}
}

func (c *hashCache) set(path string, hash []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hashes[path] = bytes.Clone(hash)
}

func (c *hashCache) forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.hashes, path)
}

// matches reports whether hash is the cached hash of path.
func (c *hashCache) matches(path string, hash []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.hashes[path]

	return ok && bytes.Equal(cached, hash)
}
