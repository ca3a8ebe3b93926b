package kv

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Store  = (*Memory)(nil)
	_ Locker = (*Memory)(nil)
)

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Store and Locker for single-process runs and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]byte
	locks   map[string]memoryLock
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string][]byte),
		locks:   make(map[string]memoryLock),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = stored
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.locks[key]; ok && now.Before(held.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	m.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *Memory) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.locks[key]; ok && held.token == token {
		delete(m.locks, key)
	}
	return nil
}
