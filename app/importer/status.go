package importer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/retry"
)

// Status is the externally visible progress of the current run.
// Published mirrors Created: every created record is published on insert.
type Status struct {
	RunID             string     `json:"run_id"`
	State             State      `json:"state"`
	Total             int        `json:"total"`
	Processed         int        `json:"processed"`
	Created           int        `json:"created"`
	Published         int        `json:"published"`
	Updated           int        `json:"updated"`
	Skipped           int        `json:"skipped"`
	DuplicatesDrafted int        `json:"duplicates_drafted"`
	Failed            int        `json:"failed"`
	Complete          bool       `json:"complete"`
	Cancelled         bool       `json:"cancelled"`
	Finalized         bool       `json:"finalized"`
	TimeElapsed       float64    `json:"time_elapsed"`
	BatchSize         int        `json:"batch_size"`
	Logs              []string   `json:"logs"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (*Status, error) {
	meta, err := e.corpus.Meta(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open corpus")
	}

	cp, err := e.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	cancelled, err := e.isCancelled(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		State:     StateIdle,
		Total:     meta.Count,
		BatchSize: e.opts.BatchSize,
		Cancelled: cancelled,
		Logs:      []string{},
	}

	if cp == nil {
		marker, err := e.loadFinalized(ctx)
		if err != nil {
			return nil, err
		}
		if marker != nil && marker.CorpusVersion == meta.Version {
			st.RunID = marker.RunID
			st.State = StateComplete
			st.Processed = meta.Count
			st.Complete = true
			st.Finalized = true
			st.UpdatedAt = &marker.FinalizedAt
		} else if meta.Count == 0 {
			st.State = StateComplete
			st.Complete = true
		}
	} else {
		updated := cp.UpdatedAt
		st.RunID = cp.RunID
		st.State = cp.LastState
		st.Total = cp.Total
		st.Processed = cp.Cursor
		st.Created = cp.Created
		st.Published = cp.Created
		st.Updated = cp.Updated
		st.Skipped = cp.Skipped
		st.DuplicatesDrafted = cp.Duplicates
		st.Failed = cp.Failed
		st.Complete = cp.Complete
		st.TimeElapsed = cp.Elapsed
		st.BatchSize = cp.BatchSize
		st.Logs = append(st.Logs, cp.Logs...)
		st.UpdatedAt = &updated
	}

	if cancelled {
		st.State = StateCancelled
	}
	if st.Processed > st.Total {
		st.Processed = st.Total
	}
	return st, nil
}

// Cancel stops further batches until Resume. Nothing already written is undone.
func (e *Engine) Cancel(ctx context.Context) error {
	err := e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return e.store.Set(ctx, e.keys.cancelled(), []byte(strconv.FormatInt(e.now().Unix(), 10)))
	})
	if err != nil {
		return errors.Wrap(err, "failed to set cancellation flag")
	}
	e.appendLog(ctx, "import cancelled")
	slog.Info("Import cancelled", "run_name", e.opts.RunName)
	return nil
}

func (e *Engine) Resume(ctx context.Context) error {
	err := e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return e.store.Delete(ctx, e.keys.cancelled())
	})
	if err != nil {
		return errors.Wrap(err, "failed to clear cancellation flag")
	}
	e.appendLog(ctx, "import resumed")
	slog.Info("Import resumed", "run_name", e.opts.RunName)
	return nil
}

// Reset forgets the current run entirely; the next batch starts a new run from zero.
func (e *Engine) Reset(ctx context.Context) error {
	for _, key := range []string{e.keys.checkpoint(), e.keys.cancelled(), e.keys.finalized()} {
		key := key
		err := e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
			return e.store.Delete(ctx, key)
		})
		if err != nil {
			return errors.Wrapf(err, "failed to delete %q", key)
		}
	}
	slog.Info("Import reset", "run_name", e.opts.RunName)
	return nil
}

func (e *Engine) appendLog(ctx context.Context, line string) {
	cp, err := e.loadCheckpoint(ctx)
	if err != nil || cp == nil {
		return
	}
	cp.logf(e.now(), "%s", line)
	if err := e.saveCheckpoint(ctx, cp); err != nil {
		slog.Warn("Failed to append run log", "error", err)
	}
}
