package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/lysyi3m/job-comb/app/api"
	"github.com/lysyi3m/job-comb/app/cfg"
	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/dedup"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/kv"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/retry"
	"github.com/lysyi3m/job-comb/app/tasks"
)

type app struct {
	cfg      *cfg.Cfg
	db       *database.DB
	records  *database.RecordStore
	feeds    *database.FeedStore
	configs  *feed.ConfigCache
	engine   *importer.Engine
	pipeline *tasks.Pipeline
	closers  []func() error
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appCfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		slog.Error("Command failed", "command", appCfg.Command, "error", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context, c *cfg.Cfg) (*app, error) {
	a := &app{cfg: c}

	if c.DBDriver == string(database.DialectSQLite) {
		if err := os.MkdirAll(filepath.Dir(c.DatabaseURL), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	slog.Debug("Connecting to database", "driver", c.DBDriver)
	db, err := database.Open(ctx, database.Dialect(c.DBDriver), c.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		a.close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}
	slog.Debug("Database ready", "migration_version", version, "dirty", dirty)

	a.records = database.NewRecordStore(db)
	a.feeds = database.NewFeedStore(db)

	var (
		store  kv.Store
		locker kv.Locker
	)
	if c.RedisURL != "" {
		redisStore, err := kv.NewRedis(ctx, c.RedisURL, "jobcomb")
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, redisStore.Close)
		store, locker = redisStore, redisStore
		slog.Debug("Using Redis for checkpoints and locks")
	} else {
		stateStore := database.NewStateStore(db)
		store, locker = stateStore, stateStore
	}

	policy, err := dedup.ParsePolicy(c.FuzzyPolicy)
	if err != nil {
		a.close()
		return nil, err
	}

	memory, err := importer.NewProcessMemory(c.MemoryLimitBytes())
	if err != nil {
		a.close()
		return nil, err
	}

	corpusPath := tasks.CorpusPath(c.DataDir)
	a.engine = importer.NewEngine(importer.Options{
		RunName:       c.RunName,
		BatchSize:     c.BatchSize,
		Adaptive:      !c.FixedBatchSize,
		SoftTimeLimit: c.SoftTimeLimit,
		MemoryCeiling: c.MemoryCeiling,
		Policy:        policy,
		LockWait:      c.FinalizeLockWait,
	}, importer.Deps{
		Corpus:  feed.NewCorpus(corpusPath, store),
		Records: a.records,
		Sources: a.feeds,
		Store:   store,
		Locker:  locker,
		Retry: retry.NewRegistry(
			retry.WithThreshold(c.BreakerThreshold),
			retry.WithOpenTimeout(c.BreakerTimeout),
			retry.WithOpenHook(metrics.BreakerOpened),
		),
		Dedup:  dedup.NewEngine(dedup.Config{Threshold: c.DedupThreshold, MaxCandidates: c.DedupCandidates}),
		Memory: memory,
	})

	a.configs = feed.NewConfigCache(c.FeedsDir)
	if err := a.configs.Run(); err != nil {
		a.close()
		return nil, errors.Wrap(err, "failed to load feed configurations")
	}
	slog.Debug("Feed configurations loaded", "count", a.configs.GetConfigCount(), "dir", c.FeedsDir)

	limit := rate.Inf
	if c.FetchRate > 0 {
		limit = rate.Limit(c.FetchRate)
	}

	a.pipeline = &tasks.Pipeline{
		Configs:           a.configs,
		FeedRepo:          a.feeds,
		Fetcher:           feed.NewFetcher(c.UserAgent, c.FetchRetries, feed.FetchOptions{}),
		Normalizer:        feed.NewNormalizer(feed.NewEnricher(c.BaseUrl, "en", feed.NewCleaner()), feed.NewFilterer()),
		Combiner:          feed.NewCombiner(store),
		Importer:          a.engine,
		Limiter:           rate.NewLimiter(limit, max(c.FetchBurst, 1)),
		DataDir:           c.DataDir,
		ContinuationDelay: c.ContinuationDelay,
	}

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) run(ctx context.Context) error {
	switch a.cfg.Command {
	case cfg.CommandServe:
		return a.serve(ctx)
	case cfg.CommandFetch:
		return tasks.NewFetchFeedsTask(a.pipeline, nil).Execute(ctx)
	case cfg.CommandImport:
		return a.importBatches(ctx)
	case cfg.CommandFinalize:
		result, err := a.engine.Finalize(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	case cfg.CommandStatus:
		status, err := a.engine.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(status)
	case cfg.CommandCancel:
		return a.engine.Cancel(ctx)
	case cfg.CommandResume:
		return a.engine.Resume(ctx)
	case cfg.CommandReset:
		return a.engine.Reset(ctx)
	default:
		return errors.Newf("unknown command %q", a.cfg.Command)
	}
}

// importBatches keeps running batches while the run reports paused, the same
// chain the scheduler drives in serve mode.
func (a *app) importBatches(ctx context.Context) error {
	start := a.cfg.ImportStart
	for {
		result, err := a.engine.RunBatch(ctx, start)
		if err != nil {
			return err
		}
		if err := printJSON(result); err != nil {
			return err
		}
		if !result.Success {
			return errors.Newf("import batch failed: %s", result.Message)
		}
		if a.cfg.ImportOnce || (result.State != importer.StatePaused && result.State != importer.StateRunning) {
			return nil
		}

		start = -1
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ContinuationDelay):
		}
	}
}

func (a *app) serve(ctx context.Context) error {
	slog.Info("Starting Job Comb server", "version", a.cfg.Version, "port", a.cfg.Port)

	scheduler, err := tasks.NewScheduler(a.pipeline, tasks.SchedulerOptions{
		CronSpec:   a.cfg.CronSpec,
		RunOnStart: a.cfg.RunOnStart,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if err := a.configs.Watch(ctx, func(feedName string) {
		feedConfig, err := a.configs.GetConfig(feedName)
		if err != nil {
			return
		}
		if err := scheduler.EnqueueTask(tasks.NewSyncFeedConfigTask(feedName, feedConfig, a.feeds)); err != nil {
			slog.Warn("Failed to enqueue SyncFeedConfigTask", "feed", feedName, "error", err)
		}
	}); err != nil {
		slog.Warn("Feed configuration watch disabled", "error", err)
	}

	handler := api.NewHandler(a.engine, a.records, a.pipeline, scheduler, api.HandlerOptions{
		BaseURL: a.cfg.BaseUrl,
		Version: a.cfg.Version,
	})

	httpServer := &http.Server{
		Addr:        ":" + a.cfg.Port,
		Handler:     api.NewServer(handler, a.cfg.APIAccessKey),
		ReadTimeout: 30 * time.Second,
		// Batch runs and the SSE stream outlive a fixed write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- errors.Wrap(err, "HTTP server error")
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErrChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
