// Package throttle drops repeated customer scans that arrive within a
// cooldown window, such as a QR code read twice by the same scanner.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter reports whether an action keyed by key may proceed now. Reset
// hands back a slot taken by an action that did not go through.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Memory is a per-process limiter: one token per key per cooldown. Keys idle
// for a full cooldown are swept so the map tracks only recent scanners.
type Memory struct {
	mu        sync.Mutex
	cooldown  time.Duration
	entries   map[string]*entry
	lastSweep time.Time
	clock     func() time.Time
}

type entry struct {
	lim  *rate.Limiter
	last time.Time
}

func NewMemory(cooldown time.Duration) *Memory {
	return &Memory{
		cooldown: cooldown,
		entries:  make(map[string]*entry),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	if m.cooldown <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	m.sweep(now)
	e, ok := m.entries[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(m.cooldown), 1)}
		m.entries[key] = e
	}
	e.last = now
	return e.lim.AllowN(now, 1), nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports how many keys are tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweep drops keys whose limiter has refilled. It runs at most once per
// cooldown. Callers hold m.mu.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.cooldown {
		return
	}
	for k, e := range m.entries {
		if now.Sub(e.last) >= m.cooldown {
			delete(m.entries, k)
		}
	}
	m.lastSweep = now
}

// Redis shares the cooldown between service instances with SET NX PX.
type Redis struct {
	client   *redis.Client
	cooldown time.Duration
	prefix   string
}

func NewRedis(addr, password string, db int, cooldown time.Duration) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: rdb, cooldown: cooldown, prefix: "loyalty:scan:"}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r.cooldown <= 0 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, r.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis throttle: %w", err)
	}
	return ok, nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis throttle: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Off never throttles.
type Off struct{}

func (Off) Allow(context.Context, string) (bool, error) { return true, nil }

func (Off) Reset(context.Context, string) error { return nil }
