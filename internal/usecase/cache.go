package usecase

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"marketsense/internal/domain"
)

const maxCachedResults = 512

// resultCache keeps recent evaluations so a repeated question about the same
// asset and horizon is answered without another round.
type resultCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedResult
}

type cachedResult struct {
	ev      Evaluation
	expires time.Time
}

func newResultCache(ttl time.Duration, now func() time.Time) *resultCache {
	return &resultCache{ttl: ttl, now: now, entries: make(map[string]cachedResult)}
}

// cacheKey identifies a normalized query. A caller-supplied price changes the
// levels, so it is part of the key.
func cacheKey(q domain.Query) string {
	price := ""
	if q.CurrentPrice != nil {
		price = strconv.FormatFloat(*q.CurrentPrice, 'f', -1, 64)
	}
	text := strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
	return strings.Join([]string{q.AssetSymbol, string(q.Timeframe), price, text}, "|")
}

func (c *resultCache) get(key string) (Evaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Evaluation{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Evaluation{}, false
	}
	return e.ev, true
}

func (c *resultCache) put(key string, ev Evaluation) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxCachedResults {
		c.evict(now)
	}
	c.entries[key] = cachedResult{ev: ev, expires: now.Add(c.ttl)}
}

// evict drops expired entries, and the one closest to expiry if none were.
func (c *resultCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey, oldest = k, e.expires
		}
	}
	if len(c.entries) >= maxCachedResults {
		delete(c.entries, oldestKey)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
