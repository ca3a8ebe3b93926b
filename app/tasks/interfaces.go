package tasks

import (
	"context"
	"io"
	"time"

	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
)

// TaskSchedulerInterface defines the interface for task scheduling operations.
// Tasks use it to enqueue their follow-ups: a fetch cycle enqueues an import
// batch, a paused batch enqueues its continuation, a complete run enqueues finalize.
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	EnqueueAfter(task TaskInterface, delay time.Duration)
}

type ConfigSource interface {
	GetConfigs() map[string]*feed.Config
	GetEnabledConfigs() []*feed.Config
}

type FetcherInterface interface {
	Fetch(ctx context.Context, url, dest string, opts feed.FetchOptions) (int64, error)
}

type NormalizerInterface interface {
	Normalize(ctx context.Context, rawPath string, out io.Writer, src *feed.Config) (int, error)
}

type CombinerInterface interface {
	Combine(ctx context.Context, feedPaths []string, outputPath string) (int, error)
}

// ImporterInterface is the part of the import engine the pipeline drives.
type ImporterInterface interface {
	RunBatch(ctx context.Context, requestedStart int) (*importer.BatchResult, error)
	Finalize(ctx context.Context) (*importer.FinalizeResult, error)
}

var (
	_ ConfigSource        = (*feed.ConfigCache)(nil)
	_ FetcherInterface    = (*feed.Fetcher)(nil)
	_ NormalizerInterface = (*feed.Normalizer)(nil)
	_ CombinerInterface   = (*feed.Combiner)(nil)
	_ ImporterInterface   = (*importer.Engine)(nil)
)
