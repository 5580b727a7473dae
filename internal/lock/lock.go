// Package lock provides named, TTL-bounded mutual-exclusion locks backed by
// Redis, used to serialize matching, settlement, and minting across
// concurrent workers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
)

// releaseScript atomically deletes the key only if its value still matches
// the token the caller holds, so a lock whose TTL expired and was
// re-acquired by another worker cannot be released out from under them.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// extendScript atomically bumps a held lock's TTL under the same ownership
// guard as releaseScript.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Config tunes acquisition behavior. Resource classes may override these
// per spec.md §4.4.
type Config struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

// DefaultConfig matches spec.md §4.4's defaults: 30s TTL, 100ms retry delay,
// up to 10 retries.
func DefaultConfig() Config {
	return Config{
		TTL:        30 * time.Second,
		RetryDelay: 100 * time.Millisecond,
		MaxRetries: 10,
	}
}

// Handle is a held lock; callers must Release it (or let its TTL lapse).
type Handle struct {
	Resource string
	key      string
	token    string
	ttl      time.Duration
}

// Service acquires and releases named locks over a shared Redis instance.
type Service struct {
	client *redis.Client
	log    *logging.Logger
	cfg    Config
}

// New constructs a Service over an already-connected Redis client.
func New(client *redis.Client, log *logging.Logger, cfg Config) *Service {
	return &Service{client: client, log: log, cfg: cfg}
}

func keyFor(resourceClass, id string) string {
	return fmt.Sprintf("lock:%s:%s", resourceClass, id)
}

// Acquire attempts to take the named lock, retrying up to cfg.MaxRetries
// times with cfg.RetryDelay between attempts. It returns a Transient
// ServiceError if every attempt fails.
func (s *Service) Acquire(ctx context.Context, resourceClass, id string) (*Handle, error) {
	return s.AcquireWithConfig(ctx, resourceClass, id, s.cfg)
}

// AcquireWithConfig is Acquire with a per-call override, used by callers
// that need a class-specific TTL.
func (s *Service) AcquireWithConfig(ctx context.Context, resourceClass, id string, cfg Config) (*Handle, error) {
	key := keyFor(resourceClass, id)
	token := uuid.New().String()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		ok, err := s.client.SetNX(ctx, key, token, cfg.TTL).Result()
		if err != nil {
			lastErr = err
		} else if ok {
			return &Handle{Resource: key, key: key, token: token, ttl: cfg.TTL}, nil
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, gwerrors.Timeout("lock acquire: " + key)
			case <-time.After(cfg.RetryDelay):
			}
		}
	}

	if lastErr != nil {
		return nil, gwerrors.Wrap(gwerrors.ErrCodeTimeout, "lock backend unavailable", 503, lastErr).
			WithDetails("resource", key)
	}
	return nil, gwerrors.New("LOCK_CONTENDED", "lock not acquired", 503).WithDetails("resource", key)
}

// Release gives up the lock. It is a no-op (returns nil) if the lock was
// already lost to TTL expiry and re-acquired elsewhere.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, s.client, []string{h.key}, h.token).Int()
	if err != nil {
		return gwerrors.Wrap(gwerrors.ErrCodeDatabaseError, "lock release failed", 503, err)
	}
	if n == 0 && s.log != nil {
		s.log.WithFields(map[string]interface{}{"resource": h.Resource}).
			Warn("lock release no-op: token mismatch or already expired")
	}
	return nil
}

// Extend resets the lock's remaining TTL to additionalTTL (whole seconds)
// from now, provided the caller still holds it.
func (s *Service) Extend(ctx context.Context, h *Handle, additionalTTL time.Duration) error {
	if h == nil {
		return errors.New("nil lock handle")
	}
	n, err := extendScript.Run(ctx, s.client, []string{h.key}, h.token, int64(additionalTTL.Seconds())).Int()
	if err != nil {
		return gwerrors.Wrap(gwerrors.ErrCodeDatabaseError, "lock extend failed", 503, err)
	}
	if n == 0 {
		return gwerrors.Conflict("lock no longer held: " + h.Resource)
	}
	return nil
}

// WithLock acquires resourceClass:id, runs fn, and always releases
// afterward — the common case for a scoped critical section.
func (s *Service) WithLock(ctx context.Context, resourceClass, id string, fn func(ctx context.Context) error) error {
	h, err := s.Acquire(ctx, resourceClass, id)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Release(releaseCtx, h)
	}()
	return fn(ctx)
}

// Resource class names used throughout the core (spec.md §4.4).
const (
	ClassMatching           = "matching"
	ClassSettlement         = "settlement"
	ClassMint               = "mint"
	ClassMarketClearing     = "market_clearing"
	ClassMeterVerification  = "meter_verification"
)
