package challenge

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DNSCache memoizes TXT lookups during propagation polling so repeated
// probes of the same name do not hammer the resolver. Entries are small;
// cost is the number of records.
type DNSCache struct {
	cache *ristretto.Cache[string, []string]
	ttl   time.Duration
}

// NewDNSCache builds a cache whose entries expire after ttl (the probe
// interval is a sensible value).
func NewDNSCache(ttl time.Duration) (*DNSCache, error) {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []string]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &DNSCache{cache: c, ttl: ttl}, nil
}

func (c *DNSCache) Get(fqdn string) ([]string, bool) {
	return c.cache.Get(fqdn)
}

func (c *DNSCache) Put(fqdn string, records []string) {
	cost := int64(len(records))
	if cost == 0 {
		cost = 1
	}
	c.cache.SetWithTTL(fqdn, records, cost, c.ttl)
	c.cache.Wait()
}

// Invalidate drops one name, used after a record change.
func (c *DNSCache) Invalidate(fqdn string) {
	c.cache.Del(fqdn)
}

func (c *DNSCache) Close() {
	c.cache.Close()
}
