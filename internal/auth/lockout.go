package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockoutPolicy locks an email for Window once it collects Threshold failures
// within Window of the first one.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

var DefaultLockoutPolicy = LockoutPolicy{Threshold: 5, Window: 15 * time.Minute}

// Lockout tracks failed admin logins.
type Lockout interface {
	Locked(ctx context.Context, key string) (bool, error)
	// RecordFailure counts a failure and reports whether the key is now locked.
	RecordFailure(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, key string) error
}

// MemoryLockout keeps counters in process memory.
type MemoryLockout struct {
	mu     sync.Mutex
	policy LockoutPolicy
	now    func() time.Time
	state  map[string]lockState
}

type lockState struct {
	failures     int
	firstFailure time.Time
	lockedUntil  time.Time
}

func NewMemoryLockout(policy LockoutPolicy) *MemoryLockout {
	return &MemoryLockout{
		policy: policy,
		now:    time.Now,
		state:  make(map[string]lockState),
	}
}

func (m *MemoryLockout) Locked(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.current(key, m.now())
	return ok && !st.lockedUntil.IsZero(), nil
}

// RecordFailure counts failures inside a Window that starts at the first
// one. Reaching Threshold locks the key for Window and resets the count.
func (m *MemoryLockout) RecordFailure(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st, _ := m.current(key, now)
	if !st.lockedUntil.IsZero() {
		return true, nil
	}
	if st.failures == 0 {
		st.firstFailure = now
	}
	st.failures++
	if st.failures >= m.policy.Threshold {
		st = lockState{lockedUntil: now.Add(m.policy.Window)}
	}
	m.state[key] = st
	return !st.lockedUntil.IsZero(), nil
}

// current drops an expired lock or a stale failure window before returning
// the key's state.
func (m *MemoryLockout) current(key string, now time.Time) (lockState, bool) {
	st, ok := m.state[key]
	if !ok {
		return lockState{}, false
	}
	expiredLock := !st.lockedUntil.IsZero() && !now.Before(st.lockedUntil)
	staleWindow := st.lockedUntil.IsZero() && now.Sub(st.firstFailure) >= m.policy.Window
	if expiredLock || staleWindow {
		delete(m.state, key)
		return lockState{}, false
	}
	return st, true
}

func (m *MemoryLockout) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.state, key)
	m.mu.Unlock()
	return nil
}

// RedisLockout stores counters in Redis hashes so every API replica sees them.
type RedisLockout struct {
	client *redis.Client
	policy LockoutPolicy
	now    func() time.Time
}

// ConnectRedis accepts either a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisLockout(client *redis.Client, policy LockoutPolicy) *RedisLockout {
	return &RedisLockout{client: client, policy: policy, now: time.Now}
}

func failuresKey(key string) string { return "posterstore:admin:failures:" + key }
func lockedKey(key string) string { return "posterstore:admin:locked:" + key }

func (s *RedisLockout) Locked(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, lockedKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFailure mirrors MemoryLockout with key TTLs: the failure counter
// lives for Window from the first failure, the lock for Window from the
// failure that reached Threshold.
func (s *RedisLockout) RecordFailure(ctx context.Context, key string) (bool, error) {
	locked, err := s.Locked(ctx, key)
	if err != nil || locked {
		return locked, err
	}
	fk := failuresKey(key)
	count, err := s.client.Incr(ctx, fk).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, fk, s.policy.Window).Err(); err != nil {
			return false, err
		}
	}
	if int(count) < s.policy.Threshold {
		return false, nil
	}
	lockedUntil := s.now().Add(s.policy.Window)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, lockedKey(key), strconv.FormatInt(lockedUntil.Unix(), 10), s.policy.Window)
		p.Del(ctx, fk)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisLockout) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, failuresKey(key), lockedKey(key)).Err()
}
