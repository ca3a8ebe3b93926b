package importer

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/dedup"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/kv"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/retry"
)

const (
	opStoreRead     = "store_read"
	opStoreWrite    = "store_write"
	opMetadataWrite = "metadata_write"
)

var (
	ErrNoRun         = errors.New("no import run to finalize")
	ErrRunIncomplete = errors.New("import run is not complete")
)

// Corpus is the read side of the combined record file.
type Corpus interface {
	Meta(ctx context.Context) (*feed.CorpusMeta, error)
	ReadRange(ctx context.Context, start, end int) ([]string, error)
}

// SourceHealth reports feeds whose latest fetch failed.
type SourceHealth interface {
	FailedSources(ctx context.Context) ([]string, error)
}

type Options struct {
	RunName       string
	BatchSize     int
	Adaptive      bool
	SoftTimeLimit time.Duration
	MemoryCeiling float64
	Policy        dedup.Policy
	PoolLimit     int
	BatchLockTTL  time.Duration
	LockTTL       time.Duration
	LockWait      time.Duration
}

func (o *Options) setDefaults() {
	if o.RunName == "" {
		o.RunName = "jobs"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	o.BatchSize = clampSize(o.BatchSize)
	if o.SoftTimeLimit <= 0 {
		o.SoftTimeLimit = 20 * time.Second
	}
	if o.MemoryCeiling <= 0 || o.MemoryCeiling > 1 {
		o.MemoryCeiling = 0.9
	}
	if o.Policy == "" {
		o.Policy = dedup.PolicyMerge
	}
	if o.PoolLimit <= 0 {
		o.PoolLimit = 500
	}
	if o.BatchLockTTL <= 0 {
		o.BatchLockTTL = 2 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
	if o.LockWait <= 0 {
		o.LockWait = 10 * time.Second
	}
}

type Deps struct {
	Corpus  Corpus
	Records database.RecordRepository
	Sources SourceHealth
	Store   kv.Store
	Locker  kv.Locker
	Retry   *retry.Registry
	Dedup   *dedup.Engine
	Memory  MemorySampler
	Now     func() time.Time
}

// Engine imports the corpus into the record store one bounded batch per call,
// persisting progress in a checkpoint so any later invocation can continue.
type Engine struct {
	opts    Options
	keys    keys
	pacer   Pacer
	corpus  Corpus
	records database.RecordRepository
	sources SourceHealth
	store   kv.Store
	locker  kv.Locker
	retry   *retry.Registry
	dedup   *dedup.Engine
	memory  MemorySampler
	now     func() time.Time
}

func NewEngine(opts Options, deps Deps) *Engine {
	opts.setDefaults()

	e := &Engine{
		opts:    opts,
		keys:    newKeys(opts.RunName),
		pacer:   Pacer{Adaptive: opts.Adaptive, Fixed: opts.BatchSize},
		corpus:  deps.Corpus,
		records: deps.Records,
		sources: deps.Sources,
		store:   deps.Store,
		locker:  deps.Locker,
		retry:   deps.Retry,
		dedup:   deps.Dedup,
		memory:  deps.Memory,
		now:     deps.Now,
	}
	if e.retry == nil {
		e.retry = retry.NewRegistry()
	}
	if e.dedup == nil {
		e.dedup = dedup.NewEngine(dedup.Config{})
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Options() Options { return e.opts }

// BatchResult describes one RunBatch call. Counters cover this batch only.
type BatchResult struct {
	Success       bool    `json:"success"`
	Message       string  `json:"message"`
	State         State   `json:"state"`
	RunID         string  `json:"run_id,omitempty"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Complete      bool    `json:"complete"`
	BatchElapsed  float64 `json:"batch_elapsed"`
	BatchSize     int     `json:"batch_size"`
	NextBatchSize int     `json:"next_batch_size"`
	Counters
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUpdated
	outcomeCreated
)

func (o outcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	default:
		return "skipped"
	}
}

// batchState holds the lookups shared by every record of one batch.
type batchState struct {
	runID    string
	existing map[string][]database.StoreRecord
	aliases  map[string]aliasEntry
	pool     map[int64]database.StoreRecord
	order    []int64
}

func (b *batchState) poolListings() []dedup.Listing {
	out := make([]dedup.Listing, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, storeListing(b.pool[id]))
	}
	return out
}

func (b *batchState) remember(sr database.StoreRecord) {
	if _, ok := b.pool[sr.ID]; !ok {
		b.order = append(b.order, sr.ID)
	}
	b.pool[sr.ID] = sr
}

type item struct {
	pos int
	rec *feed.Record
	err error
}

// RunBatch imports the next slice of the corpus. A negative requestedStart means
// the checkpoint cursor decides where to begin.
func (e *Engine) RunBatch(ctx context.Context, requestedStart int) (*BatchResult, error) {
	started := e.now()

	meta, err := e.corpus.Meta(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open corpus")
	}
	total := meta.Count
	if total == 0 {
		return &BatchResult{Success: true, Message: "corpus is empty", State: StateComplete, Complete: true}, nil
	}

	token, ok, err := e.locker.TryAcquire(ctx, e.keys.batchLock(), e.opts.BatchLockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire batch lock")
	}
	if !ok {
		return &BatchResult{Success: true, Message: "another batch in progress", State: StateRunning, Total: total}, nil
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), e.keys.batchLock(), token); err != nil {
			slog.Warn("Failed to release batch lock", "error", err)
		}
	}()

	cp, finalized, err := e.prepareRun(ctx, meta)
	if err != nil {
		return nil, err
	}
	if finalized != nil {
		return &BatchResult{
			Success:   true,
			Message:   "corpus version already imported and finalized",
			State:     StateComplete,
			RunID:     finalized.RunID,
			Processed: total,
			Total:     total,
			Complete:  true,
		}, nil
	}

	result := &BatchResult{RunID: cp.RunID, Total: cp.Total, Processed: cp.Cursor, BatchSize: cp.BatchSize}

	cancelled, err := e.isCancelled(ctx)
	if err != nil {
		return nil, err
	}
	if cancelled {
		result.Success = true
		result.State = StateCancelled
		result.Message = "import cancelled"
		result.Complete = cp.Complete
		return result, nil
	}

	if cp.Complete {
		result.Success = true
		result.State = StateComplete
		result.Message = "import complete, awaiting finalize"
		result.Complete = true
		return result, nil
	}

	size := cp.BatchSize
	if !e.opts.Adaptive || size < MinBatchSize {
		size = e.opts.BatchSize
	}
	size = clampSize(size)

	start := cp.Cursor
	if requestedStart > start {
		start = requestedStart
	}
	start = (start / size) * size
	result.Start = start
	result.BatchSize = size

	if start >= total {
		cp.Cursor = total
		cp.Complete = true
		cp.LastState = StateComplete
		cp.logf(e.now(), "run %s complete at %d/%d", cp.RunID, total, total)
		if err := e.saveCheckpoint(ctx, cp); err != nil {
			return e.failBatch(result, err, "failed to persist checkpoint"), nil
		}
		result.Success = true
		result.State = StateComplete
		result.Message = "import complete"
		result.Processed = total
		result.Complete = true
		return result, nil
	}

	end := start + size
	if end > total {
		end = total
	}
	result.End = end

	lines, err := e.corpus.ReadRange(ctx, start, end)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read corpus range [%d,%d)", start, end)
	}

	// Realignment can re-read positions this run already consumed; they are
	// counted as consumed without touching the store again.
	prevCursor := cp.Cursor
	done := 0
	if prevCursor > start {
		done = prevCursor - start
		if done > len(lines) {
			done = len(lines)
		}
	}

	items := make([]item, 0, len(lines)-done)
	for i, line := range lines[done:] {
		rec, err := parseLine(line)
		items = append(items, item{pos: start + done + i, rec: rec, err: err})
	}

	state, err := e.loadBatchState(ctx, cp, items)
	if err != nil {
		if errors.Is(err, retry.ErrCircuitOpen) {
			return e.pauseBatch(ctx, cp, result, "circuit open: "+err.Error()), nil
		}
		cp.logf(e.now(), "batch [%d,%d) lookup failed: %v", start, end, err)
		_ = e.saveCheckpoint(ctx, cp)
		return e.failBatch(result, err, "failed to look up existing records"), nil
	}

	budget := NewBudget(e.opts.SoftTimeLimit, e.opts.MemoryCeiling, e.memory, e.now)
	var (
		batch       Counters
		touch       []int64
		consumed    = done
		pauseReason string
	)

	for _, it := range items {
		if budget.Check() == Paused {
			pauseReason = budget.Reason()
			break
		}
		if it.err != nil {
			cp.logf(e.now(), "line %d skipped: %v", it.pos, it.err)
			batch.Failed++
			consumed++
			continue
		}

		out, storeID, err := e.importRecord(ctx, state, it.rec)
		if errors.Is(err, retry.ErrCircuitOpen) {
			pauseReason = "circuit open"
			break
		}
		if err != nil {
			cp.logf(e.now(), "record %q at %d failed: %v", it.rec.Identifier, it.pos, err)
			slog.Error("Failed to import record", "identifier", it.rec.Identifier, "position", it.pos, "error", err)
			batch.Failed++
			consumed++
			// The listing is still in the feed; its old row must survive finalize.
			if storeID != 0 {
				touch = append(touch, storeID)
			}
			continue
		}

		if out == outcomeSkipped {
			touch = append(touch, storeID)
		}
		switch out {
		case outcomeCreated:
			batch.Created++
		case outcomeUpdated:
			batch.Updated++
		default:
			batch.Skipped++
		}
		consumed++
	}

	if len(touch) > 0 {
		err := e.retry.Execute(ctx, retry.StoreWrite(opStoreWrite), func(ctx context.Context) error {
			return e.records.Touch(ctx, touch, state.runID)
		})
		if err != nil {
			cp.logf(e.now(), "batch [%d,%d) touch failed, batch will be retried: %v", start, end, err)
			consumed = 0
			batch = Counters{}
			result.Success = false
			result.Message = "failed to touch unchanged records"
			slog.Error("Failed to touch unchanged records", "count", len(touch), "error", err)
		}
	}

	batch.Duplicates += state.demoted
	elapsed := e.now().Sub(started)

	newCursor := start + consumed
	if newCursor < cp.Cursor {
		newCursor = cp.Cursor
	}
	cp.Cursor = newCursor
	cp.Counters.add(batch)
	cp.Elapsed += elapsed.Seconds()
	if peak := budget.PeakRatio(); peak > cp.PeakMemoryRatio {
		cp.PeakMemoryRatio = peak
	}

	if consumed > 0 {
		perItem := elapsed.Seconds() / float64(consumed)
		previous := cp.SmoothedTimePerItem
		cp.PrevTimePerItem = previous
		cp.SmoothedTimePerItem = Smooth(previous, perItem)
	}
	cp.BatchSize = e.pacer.Next(size, budget.PeakRatio(), cp.SmoothedTimePerItem, cp.PrevTimePerItem)
	cp.Complete = cp.Cursor >= cp.Total

	switch {
	case cp.Complete:
		cp.LastState = StateComplete
		cp.logf(e.now(), "run %s complete at %d/%d", cp.RunID, cp.Cursor, cp.Total)
	default:
		cp.LastState = StatePaused
	}
	cp.logf(e.now(), "batch [%d,%d) consumed %d: created=%d updated=%d skipped=%d failed=%d duplicates=%d",
		start, end, consumed, batch.Created, batch.Updated, batch.Skipped, batch.Failed, batch.Duplicates)
	if pauseReason != "" {
		cp.logf(e.now(), "batch paused: %s", pauseReason)
	}

	if err := e.saveCheckpoint(ctx, cp); err != nil {
		return e.failBatch(result, err, "failed to persist checkpoint"), nil
	}

	e.observe(batch, elapsed, cp)

	result.Counters = batch
	result.Processed = cp.Cursor
	result.Complete = cp.Complete
	result.State = cp.LastState
	result.BatchElapsed = elapsed.Seconds()
	result.NextBatchSize = cp.BatchSize
	if result.Message == "" {
		result.Success = true
		switch {
		case cp.Complete:
			result.Message = "import complete"
		case pauseReason != "":
			result.Message = "batch paused: " + pauseReason
		default:
			result.Message = "batch imported"
		}
	}

	slog.Info("Import batch finished",
		"run", cp.RunID,
		"start", start,
		"end", end,
		"consumed", consumed,
		"processed", cp.Cursor,
		"total", cp.Total,
		"created", batch.Created,
		"updated", batch.Updated,
		"skipped", batch.Skipped,
		"failed", batch.Failed,
		"state", cp.LastState,
		"duration", elapsed.String())

	return result, nil
}

// prepareRun loads the checkpoint for the current corpus version, starting a new
// run when there is none. A finalized marker for this version short-circuits.
func (e *Engine) prepareRun(ctx context.Context, meta *feed.CorpusMeta) (*Checkpoint, *FinalizedMarker, error) {
	cp, err := e.loadCheckpoint(ctx)
	if err != nil {
		return nil, nil, err
	}

	if cp != nil && (cp.CorpusVersion == meta.Version || cp.Complete) {
		return cp, nil, nil
	}

	marker, err := e.loadFinalized(ctx)
	if err != nil {
		return nil, nil, err
	}
	if marker != nil && marker.CorpusVersion == meta.Version {
		return nil, marker, nil
	}

	now := e.now().UTC()
	fresh := &Checkpoint{
		RunID:         uuid.NewString(),
		CorpusVersion: meta.Version,
		Total:         meta.Count,
		BatchSize:     e.opts.BatchSize,
		LastState:     StateRunning,
		StartedAt:     now,
	}
	if cp != nil {
		fresh.logf(now, "corpus changed from %s to %s, abandoning run %s at %d/%d",
			cp.CorpusVersion, meta.Version, cp.RunID, cp.Cursor, cp.Total)
	}
	fresh.logf(now, "run %s started over %d records", fresh.RunID, meta.Count)
	slog.Info("Import run started", "run", fresh.RunID, "corpus_version", meta.Version, "total", meta.Count)

	if err := e.saveCheckpoint(ctx, fresh); err != nil {
		return nil, nil, errors.Wrap(err, "failed to persist new checkpoint")
	}
	return fresh, nil, nil
}

type loadedBatch struct {
	*batchState
	demoted int
}

func (e *Engine) loadBatchState(ctx context.Context, cp *Checkpoint, items []item) (*loadedBatch, error) {
	var identifiers []string
	seen := make(map[string]bool)
	for _, it := range items {
		if it.err == nil && !seen[it.rec.Identifier] {
			seen[it.rec.Identifier] = true
			identifiers = append(identifiers, it.rec.Identifier)
		}
	}

	state := &loadedBatch{batchState: &batchState{
		runID:   cp.RunID,
		aliases: make(map[string]aliasEntry),
		pool:    make(map[int64]database.StoreRecord),
	}}

	err := e.retry.Execute(ctx, retry.StoreWrite(opStoreRead), func(ctx context.Context) error {
		var err error
		state.existing, err = e.records.FindByIdentifiers(ctx, identifiers)
		return err
	})
	if err != nil {
		return nil, err
	}
	if state.existing == nil {
		state.existing = make(map[string][]database.StoreRecord)
	}

	for identifier, matches := range state.existing {
		if len(matches) < 2 {
			continue
		}
		listings := make([]dedup.Listing, len(matches))
		byID := make(map[int64]database.StoreRecord, len(matches))
		for i, m := range matches {
			listings[i] = storeListing(m)
			byID[m.ID] = m
		}

		res := dedup.ResolveCollision(listings)
		for _, d := range res.Demote {
			d := d
			err := e.retry.Execute(ctx, retry.StoreWrite(opStoreWrite), func(ctx context.Context) error {
				return e.records.Demote(ctx, d.ID, d.Reason)
			})
			if err != nil {
				return nil, errors.Wrapf(err, "failed to demote record %d", d.ID)
			}
			state.demoted++
			cp.logf(e.now(), "record %d demoted for identifier %q: %s", d.ID, identifier, d.Reason)
		}
		state.existing[identifier] = []database.StoreRecord{byID[res.Keep.ID]}
	}

	var companies, titles []string
	for _, it := range items {
		if it.err != nil || len(state.existing[it.rec.Identifier]) > 0 {
			continue
		}
		if _, ok := state.aliases[it.rec.Identifier]; !ok {
			a, err := e.loadAlias(ctx, it.rec.Identifier)
			if err != nil {
				slog.Warn("Failed to load alias", "identifier", it.rec.Identifier, "error", err)
			} else if a != nil {
				state.aliases[it.rec.Identifier] = *a
			}
		}
		if it.rec.Company != "" {
			companies = append(companies, it.rec.Company)
		}
		if it.rec.Title != "" {
			titles = append(titles, it.rec.Title)
		}
	}
	if len(companies)+len(titles) == 0 {
		return state, nil
	}

	var candidates []database.StoreRecord
	err = e.retry.Execute(ctx, retry.StoreWrite(opStoreRead), func(ctx context.Context) error {
		var err error
		candidates, err = e.records.FindCandidates(ctx, companies, titles, e.opts.PoolLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		state.remember(c)
	}

	return state, nil
}

// importRecord applies one corpus record and returns what happened to it along
// with the id of the store record it landed on. A failed write still reports the
// matched record id so the caller can keep that record alive.
func (e *Engine) importRecord(ctx context.Context, state *loadedBatch, rec *feed.Record) (outcome, int64, error) {
	if matches := state.existing[rec.Identifier]; len(matches) > 0 {
		stored := matches[0]
		if stored.ContentHash == rec.ContentHash {
			return outcomeSkipped, stored.ID, nil
		}
		updated, err := e.update(ctx, state, stored, *rec)
		if err != nil {
			return 0, stored.ID, err
		}
		state.existing[rec.Identifier] = []database.StoreRecord{updated}
		return outcomeUpdated, stored.ID, nil
	}

	// An identifier already folded into another record with the same source
	// content has nothing new to merge.
	if a, ok := state.aliases[rec.Identifier]; ok && a.ContentHash == rec.ContentHash {
		return outcomeSkipped, a.StoreID, nil
	}

	if found := e.dedup.FindDuplicates(recordListing(rec), state.poolListings()); len(found) > 0 {
		best := found[0]
		stored := state.pool[best.StoreID]
		merged := e.opts.Policy.Apply(RecordFromStore(stored), *rec)
		current := RecordFromStore(stored)
		if merged.ComputeHash() == current.ComputeHash() {
			e.rememberAlias(ctx, state, rec, stored.ID)
			return outcomeSkipped, stored.ID, nil
		}
		// The row keeps the hash of its own source record so that record still
		// compares unchanged on the next run.
		merged.ContentHash = stored.ContentHash
		if _, err := e.update(ctx, state, stored, merged); err != nil {
			return 0, stored.ID, err
		}
		e.rememberAlias(ctx, state, rec, stored.ID)
		slog.Debug("Fuzzy duplicate merged",
			"identifier", rec.Identifier,
			"store_id", stored.ID,
			"similarity", strconv.FormatFloat(best.Similarity, 'f', 2, 64),
			"reasons", best.Reasons)
		return outcomeUpdated, stored.ID, nil
	}

	in, err := toInput(*rec)
	if err != nil {
		return 0, 0, err
	}
	var created *database.StoreRecord
	err = e.retry.Execute(ctx, retry.StoreWrite(opStoreWrite), func(ctx context.Context) error {
		var err error
		created, err = e.records.Create(ctx, in, state.runID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	state.existing[rec.Identifier] = []database.StoreRecord{*created}
	state.remember(*created)
	return outcomeCreated, created.ID, nil
}

func (e *Engine) rememberAlias(ctx context.Context, state *loadedBatch, rec *feed.Record, storeID int64) {
	a := aliasEntry{StoreID: storeID, ContentHash: rec.ContentHash}
	state.aliases[rec.Identifier] = a
	if err := e.saveAlias(ctx, rec.Identifier, a); err != nil {
		slog.Warn("Failed to save alias", "identifier", rec.Identifier, "store_id", storeID, "error", err)
	}
}

func (e *Engine) update(ctx context.Context, state *loadedBatch, stored database.StoreRecord, rec feed.Record) (database.StoreRecord, error) {
	in, err := toInput(rec)
	if err != nil {
		return stored, err
	}
	err = e.retry.Execute(ctx, retry.StoreWrite(opStoreWrite), func(ctx context.Context) error {
		return e.records.Update(ctx, stored.ID, in, state.runID)
	})
	if err != nil {
		return stored, err
	}

	stored.Identifier = in.Identifier
	stored.Source = in.Source
	stored.Title = in.Title
	stored.Company = in.Company
	stored.Location = in.Location
	stored.Description = in.Description
	stored.Payload = in.Payload
	stored.ContentHash = in.ContentHash
	stored.Status = database.StatusActive
	stored.LastSeenRun = state.runID
	stored.UpdatedAt = e.now()
	if _, ok := state.pool[stored.ID]; ok {
		state.remember(stored)
	}
	return stored, nil
}

func (e *Engine) pauseBatch(ctx context.Context, cp *Checkpoint, result *BatchResult, reason string) *BatchResult {
	cp.LastState = StatePaused
	cp.logf(e.now(), "batch paused: %s", reason)
	if err := e.saveCheckpoint(ctx, cp); err != nil {
		slog.Warn("Failed to persist checkpoint", "error", err)
	}
	result.Success = true
	result.State = StatePaused
	result.Message = "batch paused: " + reason
	return result
}

func (e *Engine) failBatch(result *BatchResult, err error, message string) *BatchResult {
	slog.Error("Import batch failed", "run", result.RunID, "error", err)
	result.Success = false
	result.State = StatePaused
	result.Message = message + ": " + err.Error()
	return result
}

func (e *Engine) observe(batch Counters, elapsed time.Duration, cp *Checkpoint) {
	metrics.ImportRecordsTotal.WithLabelValues(outcomeCreated.String()).Add(float64(batch.Created))
	metrics.ImportRecordsTotal.WithLabelValues(outcomeUpdated.String()).Add(float64(batch.Updated))
	metrics.ImportRecordsTotal.WithLabelValues(outcomeSkipped.String()).Add(float64(batch.Skipped))
	metrics.ImportRecordsTotal.WithLabelValues("failed").Add(float64(batch.Failed))
	metrics.ImportRecordsTotal.WithLabelValues("demoted").Add(float64(batch.Duplicates))
	metrics.ImportBatchDurationSeconds.Observe(elapsed.Seconds())
	metrics.ImportBatchSize.Set(float64(cp.BatchSize))
	metrics.ImportCursor.Set(float64(cp.Cursor))
}
