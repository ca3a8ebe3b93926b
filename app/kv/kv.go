package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound    = errors.New("key not found")
	ErrLockTimeout = errors.New("timed out acquiring operation lock")
)

// Store persists small state records: checkpoints, flags and cached corpus metadata.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Locker hands out short-lived mutual-exclusion tokens.
// TryAcquire never blocks; ok is false while another holder's token is unexpired.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type Lock struct {
	Key    string
	Token  string
	locker Locker
}

func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.locker.Release(ctx, l.Key, l.Token); err != nil {
		return errors.Wrapf(err, "failed to release lock %q", l.Key)
	}
	return nil
}

const lockPollInterval = 100 * time.Millisecond

// AcquireWithin polls locker until the lock is granted or wait elapses.
// A timeout returns ErrLockTimeout so callers can fail loudly instead of skipping work.
func AcquireWithin(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)

	for {
		token, ok, err := locker.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to acquire lock %q", key)
		}
		if ok {
			return &Lock{Key: key, Token: token, locker: locker}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, errors.WithHint(
				errors.Wrapf(ErrLockTimeout, "lock %q still held after %s", key, wait),
				"another invocation holds the lock; retry after it finishes or the lock expires")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func GetJSON(ctx context.Context, store Store, key string, v interface{}) error {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to decode value for key %s", key)
	}
	return nil
}

func SetJSON(ctx context.Context, store Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value for key %s", key)
	}
	return store.Set(ctx, key, data)
}
