package reconcile

import (
	"context"
	"fmt"
	"time"

	"bitget-ledger-sync/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard extends the in-progress set across instances with a SETNX lease.
// The lease expires after ttl so a crashed holder cannot block a user forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisClient connects to the configured Redis server.
func NewRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewRedisGuard creates a guard whose leases live for ttl.
func NewRedisGuard(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisGuard {
	return &RedisGuard{client: client, prefix: "reconciler:sync:", ttl: ttl, logger: logger}
}

func (g *RedisGuard) TryAcquire(ctx context.Context, userID uint) (func(), bool, error) {
	key := fmt.Sprintf("%s%d", g.prefix, userID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire sync lease for user %d: %w", userID, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// The pass context may already be cancelled; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("Failed to release sync lease", zap.Uint("user_id", userID), zap.Error(err))
		}
	}, true, nil
}

// layeredGuard takes the local guard first so one instance never asks Redis
// about a user it is already reconciling.
type layeredGuard struct {
	local  *LocalGuard
	remote Guard
}

// NewLayeredGuard combines a local in-progress set with a remote lease.
func NewLayeredGuard(local *LocalGuard, remote Guard) Guard {
	return &layeredGuard{local: local, remote: remote}
}

func (g *layeredGuard) TryAcquire(ctx context.Context, userID uint) (func(), bool, error) {
	releaseLocal, ok, _ := g.local.TryAcquire(ctx, userID)
	if !ok {
		return nil, false, nil
	}
	releaseRemote, ok, err := g.remote.TryAcquire(ctx, userID)
	if err != nil || !ok {
		releaseLocal()
		return nil, false, err
	}
	return func() {
		releaseRemote()
		releaseLocal()
	}, true, nil
}
