// Package lock serializes runs that share a chain and deployer account.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Bidon15/nouns-deployer/internal/config"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// DefaultTTL bounds how long a crashed run can hold the lock. A live run
// renews its lease every third of the TTL.
const DefaultTTL = 30 * time.Minute

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the key's expiry only while it still holds our token.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Locker acquires an exclusive lease for a run.
type Locker interface {
	Acquire(ctx context.Context, chainID uint64, deployer common.Address) (*Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Key     string
	release func(ctx context.Context) error
}

// Release gives the lock back.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release(ctx)
}

// Key returns the lock key for chainID and deployer.
func Key(chainID uint64, deployer common.Address) string {
	return fmt.Sprintf("nouns-deployer:lock:%d:%s", chainID, strings.ToLower(deployer.Hex()))
}

// client is the subset of *redis.Client the locker uses.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker holds locks as Redis keys with a random owner token.
type RedisLocker struct {
	client client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker wraps an existing client. A zero ttl uses DefaultTTL.
func NewRedisLocker(c client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: c, ttl: ttl, logger: logger}
}

// Connect creates a Redis client from cfg and verifies it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Acquire takes the lock or fails with ErrLocked if another run holds it.
// The lease is renewed in the background until Release.
func (l *RedisLocker) Acquire(ctx context.Context, chainID uint64, deployer common.Address) (*Lease, error) {
	key := Key(chainID, deployer)
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, deployerrors.ErrLocked)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.keepAlive(renewCtx, key, token, done)

	return &Lease{
		Key: key,
		release: func(ctx context.Context) error {
			stop()
			<-done
			if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
				return fmt.Errorf("release %s: %w", key, err)
			}
			return nil
		},
	}, nil
}

// keepAlive extends the lease every ttl/3 until ctx is cancelled or the key
// stops holding token.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		evalCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		renewed, err := l.client.Eval(evalCtx, renewScript, []string{key}, token, l.ttl.Milliseconds()).Int64()
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.logger.Warn("failed to renew run lock",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		case renewed == 0:
			l.logger.Error("run lock lost, another run may start on this chain",
				slog.String("key", key),
			)
			return
		}
	}
}

// Nop grants every lease. Used when no lock server is configured.
type Nop struct{}

// Acquire always succeeds.
func (Nop) Acquire(_ context.Context, chainID uint64, deployer common.Address) (*Lease, error) {
	return &Lease{Key: Key(chainID, deployer)}, nil
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = Nop{}
)
