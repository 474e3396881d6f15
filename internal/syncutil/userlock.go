// Package syncutil provides the per-user serialization used by the nudge
// service. Every evaluation and response for one user runs under that
// user's lock so profile updates are never interleaved.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by NewUserLocks.
const DefaultShards = 256

// UserLocks is a fixed-size pool of channel-based mutexes keyed by user id.
// Memory stays bounded no matter how many users are seen; users that hash to
// the same shard share a lock. Waiters can bail out when their context ends.
type UserLocks struct {
	shards []chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewUserLocks creates a pool with DefaultShards shards.
func NewUserLocks() *UserLocks {
	return NewUserLocksN(DefaultShards)
}

// NewUserLocksN creates a pool with n shards (minimum 1).
func NewUserLocksN(n int) *UserLocks {
	if n < 1 {
		n = 1
	}
	m := &UserLocks{shards: make([]chanMutex, n)}
	m.init()
	return m
}

func (m *UserLocks) init() {
	m.once.Do(func() {
		if len(m.shards) == 0 {
			m.shards = make([]chanMutex, DefaultShards)
		}
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // unlocked
		}
	})
}

// LockContext acquires the lock for userID, respecting context cancellation.
// On success the caller must call the returned unlock function exactly once.
// On cancellation it returns nil and the context error.
func (m *UserLocks) LockContext(ctx context.Context, userID string) (func(), error) {
	m.init()
	shard := m.shard(userID)

	select {
	case <-shard.ch:
		return release(shard), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func release(shard *chanMutex) func() {
	var once sync.Once
	return func() {
		once.Do(func() { shard.ch <- struct{}{} })
	}
}

func (m *UserLocks) shard(key string) *chanMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}
