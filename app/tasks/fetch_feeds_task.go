package tasks

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
)

// FetchFeedsTask downloads and normalizes every enabled feed, rebuilds the
// corpus from the staging files and hands over to the importer.
type FetchFeedsTask struct {
	Task
	pipeline  *Pipeline
	scheduler TaskSchedulerInterface
}

func NewFetchFeedsTask(pipeline *Pipeline, scheduler TaskSchedulerInterface) *FetchFeedsTask {
	return &FetchFeedsTask{
		Task:      NewTask(TaskTypeFetchFeeds, ""),
		pipeline:  pipeline,
		scheduler: scheduler,
	}
}

type fetchSummary struct {
	ok, failed, records int
}

func (t *FetchFeedsTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	configs := t.pipeline.Configs.GetEnabledConfigs()
	var (
		summary fetchSummary
		staged  []string
	)

	for _, feedConfig := range configs {
		if t.pipeline.Limiter != nil {
			if err := t.pipeline.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		count, err := t.processFeed(ctx, feedConfig)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			summary.failed++
			slog.Error("Feed fetch failed", "feed", feedConfig.Name, "error", err)
			// A failed feed contributes nothing; its stored listings are protected
			// from purge by the failed-source exclusion instead.
			if err := os.Remove(t.pipeline.StagingPath(feedConfig.Name)); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to remove staging file", "feed", feedConfig.Name, "error", err)
			}
			continue
		}

		summary.ok++
		summary.records += count
		staged = append(staged, t.pipeline.StagingPath(feedConfig.Name))
	}

	total, err := t.pipeline.Combiner.Combine(ctx, staged, t.pipeline.CorpusPath())
	if err != nil {
		return errors.Wrap(err, "failed to combine staging files")
	}
	metrics.CorpusItems.Set(float64(total))

	if t.scheduler != nil {
		if err := t.scheduler.EnqueueTask(NewImportBatchTask(-1, t.pipeline, t.scheduler)); err != nil {
			slog.Warn("Failed to enqueue ImportBatchTask", "error", err)
		}
	}

	slog.Info("Task completed",
		"type", "FetchFeeds",
		"duration", t.GetDuration(),
		"feeds", len(configs),
		"ok", summary.ok,
		"failed", summary.failed,
		"normalized", summary.records,
		"corpus", total)

	return nil
}

// processFeed runs fetch then normalize for one feed and records the outcome in
// the feed registry.
func (t *FetchFeedsTask) processFeed(ctx context.Context, feedConfig *feed.Config) (int, error) {
	if err := t.pipeline.FeedRepo.UpsertFeed(ctx, feedConfig.Name, feedConfig.URL); err != nil {
		return 0, errors.Wrap(err, "failed to register feed")
	}

	started := time.Now()
	opts := feed.FetchOptions{
		Timeout:  time.Duration(feedConfig.Settings.Timeout) * time.Second,
		MinBytes: feedConfig.Settings.MinBytes,
	}

	bytes, err := t.pipeline.Fetcher.Fetch(ctx, feedConfig.URL, t.pipeline.RawPath(feedConfig.Name), opts)
	if err != nil {
		t.recordFetch(ctx, feedConfig.Name, database.FetchResult{
			Status:    database.FetchFailed,
			Error:     err.Error(),
			ByteCount: bytes,
			FetchedAt: started,
		})
		return 0, err
	}

	count, err := t.stage(ctx, feedConfig)
	if err != nil {
		t.recordFetch(ctx, feedConfig.Name, database.FetchResult{
			Status:    database.FetchFailed,
			Error:     err.Error(),
			ByteCount: bytes,
			FetchedAt: started,
		})
		return 0, err
	}

	t.recordFetch(ctx, feedConfig.Name, database.FetchResult{
		Status:    database.FetchOK,
		ItemCount: count,
		ByteCount: bytes,
		FetchedAt: started,
	})

	slog.Debug("Feed staged", "feed", feedConfig.Name, "bytes", bytes, "records", count, "duration", time.Since(started).String())
	return count, nil
}

// stage normalizes the raw download into the feed's staging file, replacing it
// only once the new file is complete.
func (t *FetchFeedsTask) stage(ctx context.Context, feedConfig *feed.Config) (int, error) {
	dest := t.pipeline.StagingPath(feedConfig.Name)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create staging directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+feedConfig.Name+"-*.jsonl")
	if err != nil {
		return 0, errors.Wrap(err, "failed to create staging file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	count, err := t.pipeline.Normalizer.Normalize(ctx, t.pipeline.RawPath(feedConfig.Name), w, feedConfig)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to normalize feed %s", feedConfig.Name)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, errors.Wrap(err, "failed to replace staging file")
	}
	return count, nil
}

func (t *FetchFeedsTask) recordFetch(ctx context.Context, name string, result database.FetchResult) {
	metrics.FeedFetchesTotal.WithLabelValues(name, string(result.Status)).Inc()
	if err := t.pipeline.FeedRepo.RecordFetch(ctx, name, result); err != nil {
		slog.Warn("Failed to record feed fetch", "feed", name, "error", err)
	}
}
