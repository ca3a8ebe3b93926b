package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type SchedulerOptions struct {
	CronSpec    string
	RunOnStart  bool
	TaskTimeout time.Duration
	QueueSize   int
}

// Scheduler runs pipeline tasks one at a time on a single worker. Cron ticks
// start fetch cycles; everything else is enqueued by the tasks themselves.
type Scheduler struct {
	pipeline    *Pipeline
	cron        *cron.Cron
	runOnStart  bool
	taskTimeout time.Duration
	retryBase   time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface
}

func NewScheduler(pipeline *Pipeline, opts SchedulerOptions) (*Scheduler, error) {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 300
	}

	ctx, cancel := context.WithCancel(context.Background())
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug))

	s := &Scheduler{
		pipeline:    pipeline,
		cron:        cron.New(cron.WithLogger(cronLogger)),
		runOnStart:  opts.RunOnStart,
		taskTimeout: opts.TaskTimeout,
		retryBase:   time.Second,
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, opts.QueueSize),
	}

	if opts.CronSpec != "" {
		_, err := s.cron.AddFunc(opts.CronSpec, func() {
			if err := s.EnqueueTask(NewFetchFeedsTask(s.pipeline, s)); err != nil {
				slog.Warn("Failed to enqueue FetchFeedsTask", "error", err)
			}
		})
		if err != nil {
			cancel()
			return nil, errors.Wrapf(err, "invalid cron spec %q", opts.CronSpec)
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.worker()

	s.enqueueStartupTasks()
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return errors.New("task queue is full")
	}
}

// EnqueueAfter enqueues task once delay has passed, unless the scheduler stops first.
func (s *Scheduler) EnqueueAfter(task TaskInterface, delay time.Duration) {
	if delay <= 0 {
		if err := s.EnqueueTask(task); err != nil {
			slog.Error("Failed to enqueue task", "type", string(task.GetType()), "id", task.GetID(), "error", err)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, dropping delayed task", "type", string(task.GetType()), "id", task.GetID())
		case <-timer.C:
			if err := s.EnqueueTask(task); err != nil {
				slog.Error("Failed to enqueue delayed task", "type", string(task.GetType()), "id", task.GetID(), "error", err)
			}
		}
	}()
}

func (s *Scheduler) enqueueStartupTasks() {
	feedConfigs := s.pipeline.Configs.GetConfigs()
	slog.Debug("Processing feed configurations", "count", len(feedConfigs))

	for _, feedConfig := range feedConfigs {
		syncTask := NewSyncFeedConfigTask(feedConfig.Name, feedConfig, s.pipeline.FeedRepo)
		if err := s.EnqueueTask(syncTask); err != nil {
			slog.Warn("Failed to enqueue SyncFeedConfigTask", "feed", feedConfig.Name, "error", err)
		}
	}

	// Picks up a run paused by a previous process.
	if err := s.EnqueueTask(NewImportBatchTask(-1, s.pipeline, s)); err != nil {
		slog.Warn("Failed to enqueue ImportBatchTask", "error", err)
	}

	if s.runOnStart {
		if err := s.EnqueueTask(NewFetchFeedsTask(s.pipeline, s)); err != nil {
			slog.Warn("Failed to enqueue FetchFeedsTask", "error", err)
		}
	}
}

// worker drains the queue serially; the import engine and the corpus files
// assume no two pipeline tasks overlap.
func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(task)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if s.ctx.Err() != nil {
		return
	}

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.retryBase * time.Duration(1<<uint(task.GetRetryCount()-1))
	if retryDelay > 30*time.Second {
		retryDelay = 30 * time.Second
	}

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "feed", task.GetFeedName(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())
	s.EnqueueAfter(task, retryDelay)
}
