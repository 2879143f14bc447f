package dispatch

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trailguard/trailguard/publish"
)

// dedupCache suppresses re-processing of redelivered events. The bus is
// at-least-once, so the same (table, recordId, operation, capture timestamp)
// tuple can arrive more than once; handling it twice must not double-count or
// double-alert. Bounded LRU: an eviction only means a very old duplicate gets
// handled again, which the idempotence contract already permits.
type dedupCache struct {
	cache *lru.Cache[string, struct{}]
}

func newDedupCache(size int) (*dedupCache, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &dedupCache{cache: cache}, nil
}

// seen marks the event and reports whether it was already handled.
func (d *dedupCache) seen(topic string, env publish.EventEnvelope) bool {
	key := fmt.Sprintf("%s|%s|%s|%s|%d",
		topic, env.Table, env.RecordID, env.Operation, env.CaptureTimestamp.UnixNano())
	present, _ := d.cache.ContainsOrAdd(key, struct{}{})
	return present
}
