package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for rotator state.
const (
	RedisKeyCursor     = "enricher:rotator:cursor"
	RedisKeyRotations  = "enricher:rotator:rotations"
	RedisKeyLastUpdate = "enricher:rotator:last_update"
)

// StateStore persists rotator state between runs.
type StateStore interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// MemoryStore keeps state for the lifetime of the process.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements StateStore.
func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Save implements StateStore.
func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// RedisStore shares rotator state through Redis so a restarted run resumes on
// the same credential.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// Load implements StateStore. Missing keys yield the zero State.
func (s *RedisStore) Load(ctx context.Context) (State, error) {
	var st State

	cursor, err := s.redis.Get(ctx, RedisKeyCursor).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("get cursor: %w", err)
	}
	st.Cursor = cursor

	rotations, err := s.redis.Get(ctx, RedisKeyRotations).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("get rotations: %w", err)
	}
	st.Rotations = rotations

	updated, err := s.redis.Get(ctx, RedisKeyLastUpdate).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("get last update: %w", err)
	}
	if updated > 0 {
		st.UpdatedAt = time.Unix(updated, 0)
	}

	return st, nil
}

// Save implements StateStore.
func (s *RedisStore) Save(ctx context.Context, st State) error {
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyCursor, strconv.Itoa(st.Cursor), 0)
	pipe.Set(ctx, RedisKeyRotations, strconv.Itoa(st.Rotations), 0)
	pipe.Set(ctx, RedisKeyLastUpdate, st.UpdatedAt.Unix(), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rotator state in redis: %w", err)
	}
	return nil
}
