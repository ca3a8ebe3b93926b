package api

import (
	"context"
	"time"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/tasks"
)

// ImportController is the part of the import engine the HTTP surface drives.
type ImportController interface {
	Status(ctx context.Context) (*importer.Status, error)
	RunBatch(ctx context.Context, requestedStart int) (*importer.BatchResult, error)
	Finalize(ctx context.Context) (*importer.FinalizeResult, error)
	Cancel(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context) error
}

var _ ImportController = (*importer.Engine)(nil)

type GeneratorInterface interface {
	Run(channel feed.Channel, records []feed.Record, now time.Time) (string, error)
}

var _ GeneratorInterface = (*feed.Generator)(nil)

type Handler struct {
	importer       ImportController
	feedRepo       database.FeedRepository
	recordRepo     database.RecordRepository
	configs        tasks.ConfigSource
	generator      GeneratorInterface
	scheduler      tasks.TaskSchedulerInterface
	pipeline       *tasks.Pipeline
	baseURL        string
	version        string
	streamInterval time.Duration
}

type HandlerOptions struct {
	BaseURL string
	Version string
	// StreamInterval is how often the SSE mirror pushes a status event.
	StreamInterval time.Duration
}
