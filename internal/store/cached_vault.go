package store

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"entropy/internal/domain"
)

// CachedVault serves recent reads from memory in front of another Vault.
// Writes go through to the backing vault before the cache is updated.
type CachedVault struct {
	next  domain.Vault
	cache *gocache.Cache
}

// NewCachedVault wraps next with a read cache whose entries expire after ttl.
func NewCachedVault(next domain.Vault, ttl time.Duration) *CachedVault {
	return &CachedVault{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (c *CachedVault) Put(id string, data []byte) error {
	if err := c.next.Put(id, data); err != nil {
		c.cache.Delete(id)
		return err
	}
	c.cache.SetDefault(id, clone(data))
	return nil
}

func (c *CachedVault) Get(id string) ([]byte, bool, error) {
	if v, ok := c.cache.Get(id); ok {
		return clone(v.([]byte)), true, nil
	}
	data, ok, err := c.next.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	c.cache.SetDefault(id, clone(data))
	return data, true, nil
}

func (c *CachedVault) Delete(id string) error {
	c.cache.Delete(id)
	return c.next.Delete(id)
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

var _ domain.Vault = (*CachedVault)(nil)
