// Package cache provides the Redis-backed advisory lock service and the
// processed-event fast path. When Redis is unavailable it degrades to an
// in-process map so a single-node deployment keeps working; the database
// remains the source of truth either way.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"candle-signal-bot/config"
)

// Key prefixes for the different lock domains
const (
	PrefixTrackingLock = "lock:track:%s" // per-user tracking session lock
	PrefixPaymentLock  = "lock:pay:%s"   // per-user pending payment lock
	PrefixEventSeen    = "event:seen:%s" // processed inbound payment events
)

// EventSeenTTL bounds the fast-path dedup window. The payment_events table
// is the durable dedup record; this only short-circuits hot duplicates.
const EventSeenTTL = 24 * time.Hour

// LockService hands out per-user advisory locks with a TTL. The TTL is the
// recovery mechanism for leaked locks: a lock never released by a crashed
// holder expires on its own.
type LockService struct {
	client  *redis.Client
	logger  zerolog.Logger
	healthy bool

	mu    sync.Mutex
	local map[string]time.Time // fallback: key -> expiry
}

// NewLockService creates the lock service. A failed Redis connection is not
// fatal; the service starts degraded on the in-process fallback.
func NewLockService(cfg config.RedisConfig, logger zerolog.Logger) *LockService {
	ls := &LockService{
		logger: logger.With().Str("component", "LockService").Logger(),
		local:  make(map[string]time.Time),
	}

	if !cfg.Enabled {
		ls.logger.Warn().Msg("redis disabled, advisory locks are in-process only")
		return ls
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		ls.logger.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		ls.client = client
		return ls
	}

	ls.client = client
	ls.healthy = true
	ls.logger.Info().Str("address", cfg.Address).Msg("redis connected")
	return ls
}

// AcquireTrackingLock takes the per-user tracking lock
func (ls *LockService) AcquireTrackingLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return ls.acquire(ctx, fmt.Sprintf(PrefixTrackingLock, userID), ttl)
}

// ReleaseTrackingLock releases the per-user tracking lock
func (ls *LockService) ReleaseTrackingLock(ctx context.Context, userID string) {
	ls.release(ctx, fmt.Sprintf(PrefixTrackingLock, userID))
}

// AcquirePaymentLock takes the per-user payment lock
func (ls *LockService) AcquirePaymentLock(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return ls.acquire(ctx, fmt.Sprintf(PrefixPaymentLock, userID), ttl)
}

// ReleasePaymentLock releases the per-user payment lock
func (ls *LockService) ReleasePaymentLock(ctx context.Context, userID string) {
	ls.release(ctx, fmt.Sprintf(PrefixPaymentLock, userID))
}

// EventSeen reports whether an event id is on the fast path. Only ids whose
// processing reached a terminal outcome are ever marked, so a hit means the
// replay can be dropped without touching the database.
func (ls *LockService) EventSeen(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf(PrefixEventSeen, eventID)

	if ls.client != nil {
		n, err := ls.client.Exists(ctx, key).Result()
		if err == nil {
			return n > 0, nil
		}
		ls.logger.Warn().Err(err).Str("key", key).Msg("redis exists failed, using local fallback")
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	exp, held := ls.local[key]
	return held && exp.After(time.Now()), nil
}

// MarkEventSeen puts a terminally processed event id on the fast path.
// Best effort: a failed write only costs the replay a database round trip.
func (ls *LockService) MarkEventSeen(ctx context.Context, eventID string) {
	key := fmt.Sprintf(PrefixEventSeen, eventID)
	if _, err := ls.acquire(ctx, key, EventSeenTTL); err != nil {
		ls.logger.Warn().Err(err).Str("key", key).Msg("failed to mark event seen")
	}
}

func (ls *LockService) acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ls.client != nil {
		ok, err := ls.client.SetNX(ctx, key, "1", ttl).Result()
		if err == nil {
			return ok, nil
		}
		ls.logger.Warn().Err(err).Str("key", key).Msg("redis setnx failed, using local fallback")
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	if exp, held := ls.local[key]; held && exp.After(now) {
		return false, nil
	}
	ls.local[key] = now.Add(ttl)
	ls.sweepLocalLocked(now)
	return true, nil
}

func (ls *LockService) release(ctx context.Context, key string) {
	if ls.client != nil {
		if err := ls.client.Del(ctx, key).Err(); err != nil {
			ls.logger.Warn().Err(err).Str("key", key).Msg("redis del failed")
		}
	}

	ls.mu.Lock()
	delete(ls.local, key)
	ls.mu.Unlock()
}

// sweepLocalLocked drops expired fallback entries. Caller holds ls.mu.
func (ls *LockService) sweepLocalLocked(now time.Time) {
	for k, exp := range ls.local {
		if !exp.After(now) {
			delete(ls.local, k)
		}
	}
}

// Close shuts down the Redis client
func (ls *LockService) Close() error {
	if ls.client != nil {
		return ls.client.Close()
	}
	return nil
}
