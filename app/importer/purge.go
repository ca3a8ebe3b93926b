package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/kv"
	"github.com/lysyi3m/job-comb/app/retry"
)

type FinalizeResult struct {
	RunID           string    `json:"run_id"`
	CorpusVersion   string    `json:"corpus_version"`
	Stale           int64     `json:"stale"`
	ExcludedSources []string  `json:"excluded_sources"`
	FinalizedAt     time.Time `json:"finalized_at"`
}

// Finalize purges records the completed run did not see. It fails with
// kv.ErrLockTimeout rather than skipping when another finalize holds the lock.
func (e *Engine) Finalize(ctx context.Context) (*FinalizeResult, error) {
	lock, err := kv.AcquireWithin(ctx, e.locker, e.keys.finalizeLock(), e.opts.LockTTL, e.opts.LockWait)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release finalize lock", "error", err)
		}
	}()

	cp, err := e.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrNoRun
	}
	if !cp.Complete {
		return nil, errors.Wrapf(ErrRunIncomplete, "run %s at %d/%d", cp.RunID, cp.Cursor, cp.Total)
	}

	var excluded []string
	if e.sources != nil {
		excluded, err = e.sources.FailedSources(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list failed sources")
		}
	}

	var stale int64
	err = e.retry.Execute(ctx, retry.StoreWrite(opStoreWrite), func(ctx context.Context) error {
		var err error
		stale, err = e.records.MarkStale(ctx, cp.RunID, excluded)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mark stale records for run %s", cp.RunID)
	}

	now := e.now().UTC()
	marker := FinalizedMarker{
		RunID:         cp.RunID,
		CorpusVersion: cp.CorpusVersion,
		Stale:         stale,
		FinalizedAt:   now,
	}
	err = e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return kv.SetJSON(ctx, e.store, e.keys.finalized(), marker)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to record finalized corpus version")
	}

	err = e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return e.store.Delete(ctx, e.keys.checkpoint())
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to delete checkpoint")
	}

	slog.Info("Import run finalized",
		"run", cp.RunID,
		"corpus_version", cp.CorpusVersion,
		"stale", stale,
		"excluded_sources", excluded)

	return &FinalizeResult{
		RunID:           cp.RunID,
		CorpusVersion:   cp.CorpusVersion,
		Stale:           stale,
		ExcludedSources: excluded,
		FinalizedAt:     now,
	}, nil
}
