// Package permission holds the role-based access table pushed by admin peers.
package permission

import (
	"slices"
	"sync"

	"rpc-gateway/identity"
)

// Cache maps an action address ("<serviceId>/<category>/<action>") to the
// roles allowed to call it. Every push replaces the role set of its address;
// entries live until superseded.
type Cache struct {
	mu    sync.RWMutex
	perms map[string][]string
}

func NewCache() *Cache {
	return &Cache{perms: make(map[string][]string)}
}

// AddPermission replaces the roles of actionAddress.
func (c *Cache) AddPermission(actionAddress string, roles []string) {
	cp := append([]string(nil), roles...)
	c.mu.Lock()
	c.perms[actionAddress] = cp
	c.mu.Unlock()
}

// HasAccess reports whether role may call the action. Unknown addresses and
// empty role sets deny. Matching is exact and case-sensitive.
func (c *Cache) HasAccess(serviceID, category, action, role string) bool {
	c.mu.RLock()
	roles := c.perms[identity.PermissionKey(serviceID, category, action)]
	c.mu.RUnlock()
	return len(roles) > 0 && slices.Contains(roles, role)
}

// Roles returns a copy of the roles stored for actionAddress.
func (c *Cache) Roles(actionAddress string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.perms[actionAddress]...)
}

// Len returns the number of action addresses known.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.perms)
}
