package scheduler

import "sync"

// claims is the set of mailboxes currently being synced.
type claims struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newClaims() *claims {
	return &claims{ids: make(map[string]struct{})}
}

// tryClaim marks id as in progress. It returns false if it already was.
func (c *claims) tryClaim(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *claims) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, id)
}

func (c *claims) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
