package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lysyi3m/job-comb/app/kv"
)

// StateStore keeps import state and operation locks in the main database
// when no dedicated key-value store is configured.
type StateStore struct {
	db  *DB
	now func() time.Time
}

func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT value FROM kv_entries WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read state %s", key)
	}
	return value, nil
}

func (s *StateStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO kv_entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value, toNanos(s.now()))
	if err != nil {
		return errors.Wrapf(err, "failed to write state %s", key)
	}
	return nil
}

func (s *StateStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM kv_entries WHERE key = ?`), key); err != nil {
		return errors.Wrapf(err, "failed to delete state %s", key)
	}
	return nil
}

// TryAcquire inserts the lock row, or takes it over when the previous holder's lease expired.
func (s *StateStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	now := s.now()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO operation_locks (key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE operation_locks.expires_at < ?
	`), key, token, toNanos(now.Add(ttl)), toNanos(now))
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to acquire lock %s", key)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read affected rows")
	}
	if n != 1 {
		return "", false, nil
	}
	return token, true, nil
}

func (s *StateStore) Release(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM operation_locks WHERE key = ? AND token = ?`),
		key, token)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock %s", key)
	}
	return nil
}

var (
	_ kv.Store  = (*StateStore)(nil)
	_ kv.Locker = (*StateStore)(nil)
)
