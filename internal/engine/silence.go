package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elastalert-go/elastalert/internal/models"
	"github.com/elastalert-go/elastalert/internal/statestore"
)

// SilenceCache is the in-memory suppression map backed by the durable
// silence records in the state store. Reads and writes are serialized
// with an RWMutex since ticks for different rules may run concurrently
// on the Scheduler's worker pool.
type SilenceCache struct {
	mu    sync.RWMutex
	until map[string]time.Time
	store *statestore.StateStore
}

// NewSilenceCache builds an empty SilenceCache backed by store for
// misses.
func NewSilenceCache(store *statestore.StateStore) *SilenceCache {
	return &SilenceCache{until: make(map[string]time.Time), store: store}
}

// IsSilenced reports whether key is currently silenced at now, querying
// the backing store on a cache miss.
func (c *SilenceCache) IsSilenced(ctx context.Context, key string, now time.Time) bool {
	c.mu.RLock()
	until, ok := c.until[key]
	c.mu.RUnlock()

	if ok {
		if until.After(now) {
			return true
		}
		c.mu.Lock()
		delete(c.until, key)
		c.mu.Unlock()
		return false
	}

	rec, found, err := c.store.LatestSilence(ctx, key)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("failed to look up silence record")
		return false
	}
	if !found {
		return false
	}

	c.mu.Lock()
	c.until[key] = rec.Until
	c.mu.Unlock()
	return rec.Until.After(now)
}

// SetRealert records a new silence for key until `until`. The in-memory
// cache entry is updated unconditionally before the durable write is
// attempted: if persistence fails, the silence still holds in this
// process for the rest of its lifetime, a Warn is logged, and the next
// SetRealert call will retry the persist.
func (c *SilenceCache) SetRealert(ctx context.Context, key string, until time.Time) {
	c.mu.Lock()
	c.until[key] = until
	c.mu.Unlock()

	rec := models.SilenceRecord{Key: key, Until: until, Timestamp: time.Now().UTC()}
	if err := c.store.WriteSilence(ctx, rec); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("failed to persist silence record; held in memory only")
	}
}
