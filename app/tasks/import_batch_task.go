package tasks

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/importer"
)

// ImportBatchTask runs one import batch and schedules whatever comes next:
// another batch while the run is paused, finalize once it is complete.
type ImportBatchTask struct {
	Task
	From      int
	pipeline  *Pipeline
	scheduler TaskSchedulerInterface
}

func NewImportBatchTask(start int, pipeline *Pipeline, scheduler TaskSchedulerInterface) *ImportBatchTask {
	return &ImportBatchTask{
		Task:      NewTask(TaskTypeImportBatch, ""),
		From:      start,
		pipeline:  pipeline,
		scheduler: scheduler,
	}
}

func (t *ImportBatchTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := t.pipeline.Importer.RunBatch(ctx, t.From)
	if err != nil {
		return errors.Wrap(err, "failed to run import batch")
	}
	if !result.Success {
		return errors.Newf("import batch failed: %s", result.Message)
	}

	switch result.State {
	case importer.StatePaused, importer.StateRunning:
		t.scheduler.EnqueueAfter(NewImportBatchTask(-1, t.pipeline, t.scheduler), t.pipeline.ContinuationDelay)
	case importer.StateComplete:
		if err := t.scheduler.EnqueueTask(NewFinalizeImportTask(t.pipeline)); err != nil {
			slog.Warn("Failed to enqueue FinalizeImportTask", "error", err)
		}
	}

	slog.Info("Task completed",
		"type", "ImportBatch",
		"duration", t.GetDuration(),
		"state", result.State,
		"processed", result.Processed,
		"total", result.Total,
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"message", result.Message)

	return nil
}
