package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/cache"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/retry"
)

// CacheKey is the cache key holding the snapshot of user id.
func CacheKey(id string) string {
	return "USER_" + id
}

// CacheProjector overwrites the cached snapshot of a user.
type CacheProjector struct {
	base
	cache *cache.Service
	ttl   time.Duration
}

func NewCacheProjector(c *cache.Service, opts ...Option) *CacheProjector {
	return &CacheProjector{
		base:  newBase("cache", opts),
		cache: c,
		ttl:   cache.SevenDays,
	}
}

// Apply stores evt under CacheKey(evt.ID). When evt came off the bus the
// delivered payload is cached byte for byte; otherwise evt is encoded.
// There is no read before the write; the newest delivery wins.
func (p *CacheProjector) Apply(ctx context.Context, evt events.UserModified) error {
	ctx, span, logger := p.start(ctx, evt)

	if err := evt.Validate(); err != nil {
		return p.finish(span, "", retry.Permanent(fmt.Errorf("cache projection: %w", err)))
	}

	key := CacheKey(evt.ID)
	var err error
	if msg, ok := bus.MessageFromContext(ctx); ok && len(msg.Value) > 0 {
		err = p.cache.SetRaw(ctx, key, msg.Value, p.ttl)
	} else {
		err = p.cache.Set(ctx, key, evt, p.ttl)
	}
	if err != nil {
		return p.finish(span, "", fmt.Errorf("cache projection: %w", err))
	}
	logger.Debug("user cached", "key", key, "ttl", p.ttl)
	return p.finish(span, "cache", nil)
}

// Binding subscribes Apply to UserModified under group.
func (p *CacheProjector) Binding(group string) bus.Binding[events.UserModified] {
	return bind(p.Apply, group)
}
