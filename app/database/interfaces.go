package database

import (
	"context"
)

type RecordRepository interface {
	// FindByIdentifiers returns non-demoted records grouped by identifier.
	// More than one record per identifier is a collision left by an earlier partial run.
	FindByIdentifiers(ctx context.Context, identifiers []string) (map[string][]StoreRecord, error)
	// FindCandidates returns active records sharing a company or title with the batch.
	FindCandidates(ctx context.Context, companies, titles []string, limit int) ([]StoreRecord, error)

	Create(ctx context.Context, in RecordInput, runID string) (*StoreRecord, error)
	Update(ctx context.Context, id int64, in RecordInput, runID string) error
	Touch(ctx context.Context, ids []int64, runID string) error
	Demote(ctx context.Context, id int64, reason string) error
	MarkStale(ctx context.Context, runID string, excludeSources []string) (int64, error)

	CountByStatus(ctx context.Context) (map[RecordStatus]int, error)
	ListActive(ctx context.Context, limit int) ([]StoreRecord, error)
}

type FeedRepository interface {
	UpsertFeed(ctx context.Context, name, url string) error
	RecordFetch(ctx context.Context, name string, result FetchResult) error
	GetFeed(ctx context.Context, name string) (*Feed, error)
	ListFeeds(ctx context.Context) ([]Feed, error)
	FailedSources(ctx context.Context) ([]string, error)
}
