package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// FeedStore handles database operations for feed sources
type FeedStore struct {
	db  *DB
	now func() time.Time
}

func NewFeedStore(db *DB) *FeedStore {
	return &FeedStore{db: db, now: time.Now}
}

// UpsertFeed inserts a feed source or refreshes its URL
func (r *FeedStore) UpsertFeed(ctx context.Context, name, url string) error {
	now := toNanos(r.now())
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO feeds (name, url, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at
	`), name, url, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert feed %s", name)
	}
	return nil
}

// RecordFetch stores the outcome of the latest fetch attempt
func (r *FeedStore) RecordFetch(ctx context.Context, name string, result FetchResult) error {
	fetchedAt := result.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = r.now()
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE feeds
		SET last_fetched_at = ?, last_status = ?, last_error = ?, item_count = ?, byte_count = ?, updated_at = ?
		WHERE name = ?
	`), toNanos(fetchedAt), string(result.Status), result.Error, result.ItemCount, result.ByteCount,
		toNanos(r.now()), name)
	if err != nil {
		return errors.Wrapf(err, "failed to record fetch for feed %s", name)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Newf("feed %s is not registered", name)
	}
	return nil
}

func (r *FeedStore) GetFeed(ctx context.Context, name string) (*Feed, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT name, url, last_fetched_at, last_status, last_error, item_count, byte_count, created_at, updated_at
		FROM feeds WHERE name = ?
	`), name)

	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get feed %s", name)
	}
	return feed, nil
}

func (r *FeedStore) ListFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, url, last_fetched_at, last_status, last_error, item_count, byte_count, created_at, updated_at
		FROM feeds ORDER BY name
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list feeds")
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan feed")
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

// FailedSources lists feeds whose most recent fetch failed
func (r *FeedStore) FailedSources(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT name FROM feeds WHERE last_status = ? ORDER BY name`),
		string(FetchFailed))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed feeds")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan feed name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeed(row rowScanner) (*Feed, error) {
	var (
		feed                 Feed
		fetchedAt            sql.NullInt64
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&feed.Name, &feed.URL, &fetchedAt, &status, &feed.LastError, &feed.ItemCount,
		&feed.ByteCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if fetchedAt.Valid {
		t := fromNanos(fetchedAt.Int64)
		feed.LastFetchedAt = &t
	}
	feed.LastStatus = FetchStatus(status)
	feed.CreatedAt = fromNanos(createdAt)
	feed.UpdatedAt = fromNanos(updatedAt)
	return &feed, nil
}

var _ FeedRepository = (*FeedStore)(nil)
