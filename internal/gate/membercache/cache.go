// internal/gate/membercache/cache.go
package membercache

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "verify:"
	markerPrefix = "restrict:last:"
	warnInterval = 30 * time.Second
)

// Cache is the shared membership cache keyed by (user, channel). Every
// failure degrades to a miss; callers never block on cache availability
// and never see a cache error.
type Cache struct {
	rdb    *redis.Client
	config *Config
	logger logger.Logger

	mu       sync.Mutex
	lastWarn time.Time
}

func NewCache(config *Config, rdb *redis.Client, log logger.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		config: config,
		logger: log.WithFields(map[string]interface{}{"component": "membercache"}),
	}
}

// Key returns the cache key for one (user, channel) membership entry.
func Key(userID, channelID int64) string {
	return fmt.Sprintf("%s%d:%d", keyPrefix, userID, channelID)
}

// MarkerKey returns the key of the last-action marker for (group, user).
func MarkerKey(groupID, userID int64) string {
	return fmt.Sprintf("%s%d:%d", markerPrefix, groupID, userID)
}

// Get returns the cached membership state for (user, channel). The second
// return is false on a miss, including any cache failure.
func (c *Cache) Get(ctx context.Context, userID, channelID int64) (models.MembershipState, bool) {
	val, err := c.rdb.Get(ctx, Key(userID, channelID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.warnDegraded("get", err)
		}
		return "", false
	}

	switch models.MembershipState(val) {
	case models.MembershipMember, models.MembershipNotMember:
		return models.MembershipState(val), true
	default:
		// Unrecognized entries fall through to the oracle.
		return "", false
	}
}

// Put stores a definitive membership state. The TTL depends on polarity
// and is jittered on every write so entries written in a burst do not
// expire in lockstep.
func (c *Cache) Put(ctx context.Context, userID, channelID int64, state models.MembershipState) {
	if err := c.rdb.Set(ctx, Key(userID, channelID), string(state), c.ttlFor(state)).Err(); err != nil {
		c.warnDegraded("set", err)
	}
}

// Invalidate drops the entry for (user, channel).
func (c *Cache) Invalidate(ctx context.Context, userID, channelID int64) {
	if err := c.rdb.Del(ctx, Key(userID, channelID)).Err(); err != nil {
		c.warnDegraded("del", err)
	}
}

// LastAction returns the non-authoritative marker of the side effect last
// applied for (group, user). Absence is normal and simply means the next
// restrict/unrestrict call is not suppressed.
func (c *Cache) LastAction(ctx context.Context, groupID, userID int64) (models.RestrictAction, bool) {
	val, err := c.rdb.Get(ctx, MarkerKey(groupID, userID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.warnDegraded("get", err)
		}
		return "", false
	}

	switch models.RestrictAction(val) {
	case models.ActionRestrict, models.ActionUnrestrict:
		return models.RestrictAction(val), true
	default:
		return "", false
	}
}

// SetLastAction records the marker after a successful side-effect call.
func (c *Cache) SetLastAction(ctx context.Context, groupID, userID int64, action models.RestrictAction) {
	if err := c.rdb.Set(ctx, MarkerKey(groupID, userID), string(action), c.config.MarkerTTL).Err(); err != nil {
		c.warnDegraded("set", err)
	}
}

func (c *Cache) ttlFor(state models.MembershipState) time.Duration {
	base := c.config.PositiveTTL
	if state == models.MembershipNotMember {
		base = c.config.NegativeTTL
	}
	spread := 1 + (2*rand.Float64()-1)*c.config.Jitter
	return time.Duration(float64(base) * spread)
}

// warnDegraded counts the degradation and logs at most one warning per
// interval so a cache outage does not flood the logs.
func (c *Cache) warnDegraded(op string, err error) {
	metrics.CacheDegradedTotal.Inc()

	c.mu.Lock()
	throttled := time.Since(c.lastWarn) < warnInterval
	if !throttled {
		c.lastWarn = time.Now()
	}
	c.mu.Unlock()
	if throttled {
		return
	}

	stdErr := errors.NewCacheUnavailableError(err)
	c.logger.Warn("cache degraded, treating as miss", map[string]interface{}{
		"op":        op,
		"errorCode": string(stdErr.Code),
		"error":     stdErr.Details,
	})
}
