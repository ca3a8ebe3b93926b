package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/kv"
	"github.com/lysyi3m/job-comb/app/retry"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
	StateComplete  State = "complete"
)

// MaxLogLines bounds the log tail kept in a checkpoint.
const MaxLogLines = 200

type Counters struct {
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates_drafted"`
	Failed     int `json:"failed"`
}

func (c *Counters) add(o Counters) {
	c.Created += o.Created
	c.Updated += o.Updated
	c.Skipped += o.Skipped
	c.Duplicates += o.Duplicates
	c.Failed += o.Failed
}

// Checkpoint is the persisted progress of one import run over one corpus version.
type Checkpoint struct {
	RunID         string `json:"run_id"`
	CorpusVersion string `json:"corpus_version"`
	Cursor        int    `json:"cursor"`
	Total         int    `json:"total"`
	Counters

	// BatchSize is the size the next batch will use.
	BatchSize           int     `json:"batch_size"`
	PeakMemoryRatio     float64 `json:"peak_memory_ratio"`
	SmoothedTimePerItem float64 `json:"smoothed_time_per_item"`
	PrevTimePerItem     float64 `json:"prev_time_per_item"`

	Elapsed   float64   `json:"elapsed"`
	LastState State     `json:"last_state"`
	Complete  bool      `json:"complete"`
	Logs      []string  `json:"logs"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (cp *Checkpoint) logf(now time.Time, format string, args ...interface{}) {
	cp.Logs = append(cp.Logs, now.UTC().Format(time.RFC3339)+" "+fmt.Sprintf(format, args...))
	if len(cp.Logs) > MaxLogLines {
		cp.Logs = append([]string(nil), cp.Logs[len(cp.Logs)-MaxLogLines:]...)
	}
}

// FinalizedMarker records that a corpus version was fully imported and purged.
type FinalizedMarker struct {
	RunID         string    `json:"run_id"`
	CorpusVersion string    `json:"corpus_version"`
	Stale         int64     `json:"stale"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

type keys struct {
	prefix string
}

func newKeys(runName string) keys {
	return keys{prefix: "import:" + runName + ":"}
}

func (k keys) checkpoint() string { return k.prefix + "checkpoint" }
func (k keys) cancelled() string  { return k.prefix + "cancelled" }
func (k keys) finalized() string  { return k.prefix + "finalized" }
func (k keys) batchLock() string  { return k.prefix + "batch" }
func (k keys) finalizeLock() string {
	return k.prefix + "finalize"
}

// alias maps an identifier folded into another store record by a fuzzy match.
func (k keys) alias(identifier string) string { return k.prefix + "alias:" + identifier }

// aliasEntry remembers which store record absorbed an identifier and the source
// hash it had when it was merged.
type aliasEntry struct {
	StoreID     int64  `json:"store_id"`
	ContentHash string `json:"content_hash"`
}

func (e *Engine) loadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	err := kv.GetJSON(ctx, e.store, e.keys.checkpoint(), &cp)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	return &cp, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = e.now().UTC()
	return e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return kv.SetJSON(ctx, e.store, e.keys.checkpoint(), cp)
	})
}

func (e *Engine) loadFinalized(ctx context.Context) (*FinalizedMarker, error) {
	var m FinalizedMarker
	err := kv.GetJSON(ctx, e.store, e.keys.finalized(), &m)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load finalized marker")
	}
	return &m, nil
}

func (e *Engine) loadAlias(ctx context.Context, identifier string) (*aliasEntry, error) {
	var a aliasEntry
	err := kv.GetJSON(ctx, e.store, e.keys.alias(identifier), &a)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load alias for %q", identifier)
	}
	return &a, nil
}

func (e *Engine) saveAlias(ctx context.Context, identifier string, a aliasEntry) error {
	return e.retry.Execute(ctx, retry.MetadataWrite(opMetadataWrite), func(ctx context.Context) error {
		return kv.SetJSON(ctx, e.store, e.keys.alias(identifier), a)
	})
}

func (e *Engine) isCancelled(ctx context.Context) (bool, error) {
	_, err := e.store.Get(ctx, e.keys.cancelled())
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read cancellation flag")
	}
	return true, nil
}
