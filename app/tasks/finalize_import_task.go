package tasks

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/importer"
)

type FinalizeImportTask struct {
	Task
	pipeline *Pipeline
}

func NewFinalizeImportTask(pipeline *Pipeline) *FinalizeImportTask {
	return &FinalizeImportTask{
		Task:     NewTask(TaskTypeFinalizeImport, ""),
		pipeline: pipeline,
	}
}

func (t *FinalizeImportTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := t.pipeline.Importer.Finalize(ctx)
	switch {
	case errors.Is(err, importer.ErrNoRun):
		slog.Debug("No import run to finalize")
		return nil
	case errors.Is(err, importer.ErrRunIncomplete):
		slog.Warn("Import run not complete, skipping finalize", "error", err)
		return nil
	case err != nil:
		return errors.Wrap(err, "failed to finalize import")
	}

	slog.Info("Task completed",
		"type", "FinalizeImport",
		"duration", t.GetDuration(),
		"run", result.RunID,
		"stale", result.Stale,
		"excluded_sources", result.ExcludedSources)

	return nil
}
