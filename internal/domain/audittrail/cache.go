package audittrail

import "sync"

// Cache maps specimen IDs to their latest derived trail. Writers must hold the
// specimen's custody lock; readers may call Get at any time.
type Cache struct {
	mu     sync.RWMutex
	trails map[string]*AuditTrail
}

func NewCache() *Cache {
	return &Cache{trails: make(map[string]*AuditTrail)}
}

func (c *Cache) Get(specimenID string) (*AuditTrail, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trails[specimenID]
	return t, ok
}

func (c *Cache) Put(t *AuditTrail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trails[t.SpecimenID] = t
}

func (c *Cache) Invalidate(specimenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trails, specimenID)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trails)
}
