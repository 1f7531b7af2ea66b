package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

const keyPrefix = "z-chat:session:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// NewRedisClient connects and pings the configured redis server.
func NewRedisClient(ctx context.Context, cfg config.LockConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// RedisLocker guards sessions across several server instances. Each lease is
// a key with a random token; it is kept alive while held and removed only by
// its owner.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker wraps client. ttl bounds how long a crashed holder blocks a conversation.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger.Named("lock")}
}

func (l *RedisLocker) Acquire(ctx context.Context, conversationID string) (Lease, error) {
	key := keyPrefix + conversationID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", conversationID, err)
	}
	if !ok {
		return nil, ErrSessionActive
	}

	lease := &redisLease{
		locker: l,
		key:    key,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (le *redisLease) keepAlive() {
	defer close(le.done)

	ticker := time.NewTicker(le.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), le.locker.ttl/3)
			n, err := refreshScript.Run(ctx, le.locker.client, []string{le.key}, le.token, le.locker.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				le.locker.logger.Warn("failed to refresh session lease", zap.String("key", le.key), zap.Error(err))
				continue
			}
			if n == 0 {
				le.locker.logger.Warn("session lease lost", zap.String("key", le.key))
				return
			}
		}
	}
}

func (le *redisLease) Release() {
	le.once.Do(func() {
		close(le.stop)
		<-le.done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Err(); err != nil {
			le.locker.logger.Warn("failed to release session lease", zap.String("key", le.key), zap.Error(err))
		}
	})
}
