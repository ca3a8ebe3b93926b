package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/kv"
)

type staticConfigs []*feed.Config

func (c staticConfigs) GetConfigs() map[string]*feed.Config {
	out := make(map[string]*feed.Config, len(c))
	for _, fc := range c {
		out[fc.Name] = fc
	}
	return out
}

func (c staticConfigs) GetEnabledConfigs() []*feed.Config {
	var out []*feed.Config
	for _, fc := range c {
		if fc.Settings.Enabled {
			out = append(out, fc)
		}
	}
	return out
}

type fakeFeedRepo struct {
	mu      sync.Mutex
	upserts []string
	fetches map[string]database.FetchResult
}

func newFakeFeedRepo() *fakeFeedRepo {
	return &fakeFeedRepo{fetches: make(map[string]database.FetchResult)}
}

func (r *fakeFeedRepo) UpsertFeed(ctx context.Context, name, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, name)
	return nil
}

func (r *fakeFeedRepo) RecordFetch(ctx context.Context, name string, result database.FetchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[name] = result
	return nil
}

func (r *fakeFeedRepo) GetFeed(ctx context.Context, name string) (*database.Feed, error) {
	return nil, nil
}

func (r *fakeFeedRepo) ListFeeds(ctx context.Context) ([]database.Feed, error) { return nil, nil }

func (r *fakeFeedRepo) FailedSources(ctx context.Context) ([]string, error) { return nil, nil }

// fakeFetcher serves documents by URL and fails for anything else.
type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(ctx context.Context, url, dest string, opts feed.FetchOptions) (int64, error) {
	body, ok := f[url]
	if !ok {
		return 0, &feed.FetchError{URL: url, StatusCode: 503}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	return int64(len(body)), os.WriteFile(dest, []byte(body), 0644)
}

type fakeImporter struct {
	results     []*importer.BatchResult
	batchCalls  int
	finalizeErr error
	finalized   int
}

func (f *fakeImporter) RunBatch(ctx context.Context, requestedStart int) (*importer.BatchResult, error) {
	f.batchCalls++
	if len(f.results) == 0 {
		return &importer.BatchResult{Success: true, State: importer.StateComplete, Complete: true}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeImporter) Finalize(ctx context.Context) (*importer.FinalizeResult, error) {
	f.finalized++
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	return &importer.FinalizeResult{RunID: "run-1"}, nil
}

type enqueued struct {
	task  TaskInterface
	delay time.Duration
}

type recordingScheduler struct {
	tasks []enqueued
}

func (s *recordingScheduler) Start() {}
func (s *recordingScheduler) Stop()  {}

func (s *recordingScheduler) EnqueueTask(task TaskInterface) error {
	s.tasks = append(s.tasks, enqueued{task: task})
	return nil
}

func (s *recordingScheduler) EnqueueAfter(task TaskInterface, delay time.Duration) {
	s.tasks = append(s.tasks, enqueued{task: task, delay: delay})
}

const acmeFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <item>
      <guid>acme-1</guid>
      <title>Backend Engineer</title>
      <company>ACME</company>
      <description>Build reliable services for our payment platform and keep them running.</description>
    </item>
    <item>
      <guid>acme-2</guid>
      <title>Warehouse Operator</title>
      <company>ACME</company>
    </item>
  </channel>
</rss>`

func newTestPipeline(t *testing.T, fetcher FetcherInterface, configs staticConfigs, imp ImporterInterface) (*Pipeline, *fakeFeedRepo) {
	t.Helper()
	repo := newFakeFeedRepo()
	return &Pipeline{
		Configs:           configs,
		FeedRepo:          repo,
		Fetcher:           fetcher,
		Normalizer:        feed.NewNormalizer(feed.NewEnricher("https://jobs.example", "en", feed.NewCleaner()), feed.NewFilterer()),
		Combiner:          feed.NewCombiner(kv.NewMemory()),
		Importer:          imp,
		DataDir:           t.TempDir(),
		ContinuationDelay: 2 * time.Second,
	}, repo
}

func enabled(name, url string) *feed.Config {
	return &feed.Config{Name: name, URL: url, Settings: feed.ConfigSettings{Enabled: true, Timeout: 5, MinBytes: 1}}
}

func TestFetchFeedsTask(t *testing.T) {
	configs := staticConfigs{
		enabled("acme", "https://acme.example/jobs.xml"),
		enabled("broken", "https://broken.example/jobs.xml"),
		{Name: "disabled", URL: "https://off.example/jobs.xml"},
	}
	pipeline, repo := newTestPipeline(t, fakeFetcher{"https://acme.example/jobs.xml": acmeFeed}, configs, &fakeImporter{})
	sched := &recordingScheduler{}

	task := NewFetchFeedsTask(pipeline, sched)
	task.Start()
	require.NoError(t, task.Execute(context.Background()))

	assert.ElementsMatch(t, []string{"acme", "broken"}, repo.upserts)
	assert.Equal(t, database.FetchOK, repo.fetches["acme"].Status)
	assert.Equal(t, 2, repo.fetches["acme"].ItemCount)
	assert.Equal(t, database.FetchFailed, repo.fetches["broken"].Status)
	assert.Contains(t, repo.fetches["broken"].Error, "503")

	data, err := os.ReadFile(pipeline.CorpusPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"identifier":"acme-1"`)

	require.Len(t, sched.tasks, 1)
	batch, ok := sched.tasks[0].task.(*ImportBatchTask)
	require.True(t, ok)
	assert.Equal(t, -1, batch.From)
}

func TestFetchFeedsTaskDropsItemsOfFailedFeed(t *testing.T) {
	fetcher := fakeFetcher{"https://acme.example/jobs.xml": acmeFeed}
	configs := staticConfigs{enabled("acme", "https://acme.example/jobs.xml")}
	pipeline, repo := newTestPipeline(t, fetcher, configs, &fakeImporter{})

	require.NoError(t, NewFetchFeedsTask(pipeline, &recordingScheduler{}).Execute(context.Background()))
	_, err := os.Stat(pipeline.StagingPath("acme"))
	require.NoError(t, err)

	delete(fetcher, "https://acme.example/jobs.xml")
	require.NoError(t, NewFetchFeedsTask(pipeline, &recordingScheduler{}).Execute(context.Background()))

	assert.Equal(t, database.FetchFailed, repo.fetches["acme"].Status)
	data, err := os.ReadFile(pipeline.CorpusPath())
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(data)), "a failed feed contributes no items")

	_, err = os.Stat(pipeline.StagingPath("acme"))
	assert.True(t, os.IsNotExist(err), "the previous staging file is not carried over")
}

func TestImportBatchTaskContinuesWhilePaused(t *testing.T) {
	imp := &fakeImporter{results: []*importer.BatchResult{
		{Success: true, State: importer.StatePaused, Processed: 10, Total: 25},
	}}
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, imp)
	sched := &recordingScheduler{}

	require.NoError(t, NewImportBatchTask(-1, pipeline, sched).Execute(context.Background()))

	require.Len(t, sched.tasks, 1)
	assert.IsType(t, &ImportBatchTask{}, sched.tasks[0].task)
	assert.Equal(t, 2*time.Second, sched.tasks[0].delay)
}

func TestImportBatchTaskEnqueuesFinalizeOnComplete(t *testing.T) {
	imp := &fakeImporter{results: []*importer.BatchResult{
		{Success: true, State: importer.StateComplete, Complete: true, Processed: 25, Total: 25},
	}}
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, imp)
	sched := &recordingScheduler{}

	require.NoError(t, NewImportBatchTask(-1, pipeline, sched).Execute(context.Background()))

	require.Len(t, sched.tasks, 1)
	assert.IsType(t, &FinalizeImportTask{}, sched.tasks[0].task)
}

func TestImportBatchTaskStopsWhenCancelled(t *testing.T) {
	imp := &fakeImporter{results: []*importer.BatchResult{
		{Success: true, State: importer.StateCancelled},
	}}
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, imp)
	sched := &recordingScheduler{}

	require.NoError(t, NewImportBatchTask(-1, pipeline, sched).Execute(context.Background()))
	assert.Empty(t, sched.tasks)
}

func TestImportBatchTaskFailsOnUnsuccessfulBatch(t *testing.T) {
	imp := &fakeImporter{results: []*importer.BatchResult{
		{Success: false, State: importer.StatePaused, Message: "failed to touch unchanged records"},
	}}
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, imp)
	sched := &recordingScheduler{}

	err := NewImportBatchTask(-1, pipeline, sched).Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to touch")
	assert.Empty(t, sched.tasks)
}

func TestFinalizeImportTask(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"success", nil, false},
		{"no run", importer.ErrNoRun, false},
		{"incomplete run", errors.Wrap(importer.ErrRunIncomplete, "run r at 3/9"), false},
		{"lock timeout", kv.ErrLockTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := &fakeImporter{finalizeErr: tt.err}
			pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, imp)

			err := NewFinalizeImportTask(pipeline).Execute(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, imp.finalized)
		})
	}
}

func TestSyncFeedConfigTask(t *testing.T) {
	repo := newFakeFeedRepo()
	task := NewSyncFeedConfigTask("acme", enabled("acme", "https://acme.example/jobs.xml"), repo)

	require.NoError(t, task.Execute(context.Background()))
	assert.Equal(t, []string{"acme"}, repo.upserts)
	assert.Equal(t, TaskTypeSyncFeedConfig, task.GetType())
	assert.Equal(t, "acme", task.GetFeedName())
}

type flakyTask struct {
	Task
	failures int32
	runs     int32
	done     chan struct{}
}

func (t *flakyTask) Execute(ctx context.Context) error {
	n := atomic.AddInt32(&t.runs, 1)
	if n <= t.failures {
		return errors.New("temporary failure")
	}
	close(t.done)
	return nil
}

func TestSchedulerRetriesFailedTasks(t *testing.T) {
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, &fakeImporter{})
	s, err := NewScheduler(pipeline, SchedulerOptions{})
	require.NoError(t, err)
	s.retryBase = 10 * time.Millisecond
	s.Start()
	defer s.Stop()

	task := &flakyTask{Task: NewTask(TaskTypeFetchFeeds, ""), failures: 2, done: make(chan struct{})}
	require.NoError(t, s.EnqueueTask(task))

	select {
	case <-task.done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried to completion")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&task.runs))
	assert.Equal(t, 2, task.GetRetryCount())
}

func TestNewSchedulerRejectsInvalidCronSpec(t *testing.T) {
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, &fakeImporter{})
	_, err := NewScheduler(pipeline, SchedulerOptions{CronSpec: "every now and then"})
	assert.Error(t, err)
}

type overlapTask struct {
	Task
	active *int32
	peak   *int32
	wg     *sync.WaitGroup
}

func (t *overlapTask) Execute(ctx context.Context) error {
	defer t.wg.Done()
	n := atomic.AddInt32(t.active, 1)
	defer atomic.AddInt32(t.active, -1)
	for {
		p := atomic.LoadInt32(t.peak)
		if n <= p || atomic.CompareAndSwapInt32(t.peak, p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestSchedulerRunsTasksOneAtATime(t *testing.T) {
	pipeline, _ := newTestPipeline(t, fakeFetcher{}, nil, &fakeImporter{})
	s, err := NewScheduler(pipeline, SchedulerOptions{})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		task := &overlapTask{Task: NewTask(TaskTypeImportBatch, ""), active: &active, peak: &peak, wg: &wg}
		require.NoError(t, s.EnqueueTask(task))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued tasks did not finish")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}
