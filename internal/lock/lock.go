// Package lock enforces that at most one streaming session is active per
// conversation.
package lock

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
)

// ErrSessionActive is returned when the conversation already has an active session.
var ErrSessionActive = errors.New("lock: a response is already streaming for this conversation")

// Lease is held for the lifetime of one session. Release is idempotent.
type Lease interface {
	Release()
}

// Locker hands out per-conversation leases.
type Locker interface {
	Acquire(ctx context.Context, conversationID string) (Lease, error)
	Close() error
}

// New returns the locker selected by cfg.Driver.
func New(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (Locker, error) {
	if cfg.Driver == config.LockRedis {
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis session lock", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.TTL))
		return NewRedisLocker(client, cfg.TTL, logger), nil
	}
	logger.Info("using in-process session lock")
	return NewMemoryLocker(), nil
}

// MemoryLocker guards sessions inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64)}
}

func (l *MemoryLocker) Acquire(_ context.Context, conversationID string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[conversationID]; ok {
		return nil, ErrSessionActive
	}
	l.seq++
	l.held[conversationID] = l.seq
	return &memoryLease{locker: l, conversationID: conversationID, token: l.seq}, nil
}

// Active reports whether a lease is currently held for conversationID.
func (l *MemoryLocker) Active(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[conversationID]
	return ok
}

func (l *MemoryLocker) Close() error { return nil }

type memoryLease struct {
	locker         *MemoryLocker
	conversationID string
	token          uint64
	once           sync.Once
}

func (le *memoryLease) Release() {
	le.once.Do(func() {
		le.locker.mu.Lock()
		defer le.locker.mu.Unlock()
		if le.locker.held[le.conversationID] == le.token {
			delete(le.locker.held, le.conversationID)
		}
	})
}
