package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"gorm.io/gorm"
)

// Locker exclusive lock per key, held for the duration of a strategy tick
type Locker interface {
	// Lock blocks until the key is acquired or ctx is done
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockKey lock key for a (strategy, ticker) pair
func LockKey(strategyID int64, ticker string) string {
	return fmt.Sprintf("strategy:%d:%s", strategyID, ticker)
}

// KeyedMutex in-process lock per key
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock implements Locker
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(key, l)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// AdvisoryLocker postgres session advisory lock, exclusive across processes.
// Each lock pins a dedicated connection until unlocked.
type AdvisoryLocker struct {
	db *gorm.DB
}

// Lock implements Locker
func (a *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	sqlDB, err := a.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock %s: failed to get connection: %w", key, err)
	}

	id := advisoryKey(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// 解锁必须在同一会话上执行
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id)
			conn.Close()
		})
	}, nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// chainLocker acquires first then second, releasing in reverse order
type chainLocker struct {
	first, second Locker
}

func (c *chainLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockFirst, err := c.first.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	unlockSecond, err := c.second.Lock(ctx, key)
	if err != nil {
		unlockFirst()
		return nil, err
	}
	return func() {
		unlockSecond()
		unlockFirst()
	}, nil
}
