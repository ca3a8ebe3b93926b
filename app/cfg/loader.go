package cfg

import (
	"cmp"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBDriver    string `long:"db-driver" env:"DB_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Record store driver"`
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" default:"./data/job-comb.db" description:"SQLite file path or PostgreSQL connection URL"`
	RedisURL    string `long:"redis-url" env:"REDIS_URL" description:"Redis URL for checkpoints and locks (defaults to the record store)"`
	DataDir     string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Directory for raw feeds, staging files and the corpus"`

	// Application configuration
	FeedsDir     string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed configuration files"`
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" default:"http://localhost:8080" description:"Public base URL used for canonical job links"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for control endpoints (optional)"`

	// Fetching
	FetchRetries int     `long:"fetch-retries" env:"FETCH_RETRIES" default:"3" description:"HTTP retries per feed download"`
	FetchRate    float64 `long:"fetch-rate" env:"FETCH_RATE" default:"1" description:"Feed downloads per second"`
	FetchBurst   int     `long:"fetch-burst" env:"FETCH_BURST" default:"1" description:"Feed download burst size"`

	// Scheduling
	CronSpec          string `long:"cron" env:"CRON_SPEC" default:"@every 6h" description:"Cron spec for fetch cycles"`
	ContinuationDelay int    `long:"continuation-delay" env:"CONTINUATION_DELAY" default:"2" description:"Seconds between import batches"`
	RunOnStart        bool   `long:"run-on-start" env:"RUN_ON_START" description:"Start a fetch cycle when the server starts"`

	// Import
	RunName          string  `long:"run-name" env:"IMPORT_RUN_NAME" default:"jobs" description:"Namespace for import checkpoints and locks"`
	BatchSize        int     `long:"batch-size" env:"IMPORT_BATCH_SIZE" default:"10" description:"Initial (or fixed) import batch size"`
	FixedBatchSize   bool    `long:"fixed-batch-size" env:"IMPORT_FIXED_BATCH_SIZE" description:"Disable adaptive batch sizing"`
	SoftTimeLimit    int     `long:"soft-time-limit" env:"IMPORT_SOFT_TIME_LIMIT" default:"20" description:"Seconds a batch may run before pausing"`
	MemoryLimitMB    int     `long:"memory-limit" env:"IMPORT_MEMORY_LIMIT_MB" default:"0" description:"Memory limit in MB (0 uses total system memory)"`
	MemoryCeiling    float64 `long:"memory-ceiling" env:"IMPORT_MEMORY_CEILING" default:"0.9" description:"Fraction of the memory limit that pauses a batch"`
	FuzzyPolicy      string  `long:"fuzzy-policy" env:"IMPORT_FUZZY_POLICY" default:"merge" choice:"merge" choice:"overwrite" description:"How fuzzy duplicates update stored records"`
	DedupThreshold   float64 `long:"dedup-threshold" env:"DEDUP_THRESHOLD" default:"0.85" description:"Minimum similarity for a fuzzy duplicate"`
	DedupCandidates  int     `long:"dedup-candidates" env:"DEDUP_CANDIDATES" default:"5" description:"Maximum fuzzy matches considered per record"`
	FinalizeLockWait int     `long:"finalize-lock-wait" env:"FINALIZE_LOCK_WAIT" default:"10" description:"Seconds to wait for the finalize lock"`
	BreakerThreshold int     `long:"breaker-threshold" env:"BREAKER_THRESHOLD" default:"5" description:"Consecutive failures that open a circuit breaker"`
	BreakerTimeout   int     `long:"breaker-timeout" env:"BREAKER_TIMEOUT" default:"60" description:"Seconds a circuit breaker stays open"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Job Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Europe/Berlin)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

type serveCommand struct{}

type importCommand struct {
	Start int  `long:"start" default:"-1" description:"Requested start position (-1 continues from the checkpoint)"`
	Once  bool `long:"once" description:"Run a single batch instead of continuing until the run stops"`
}

type emptyCommand struct{}

var globalCfg *Cfg

// Load parses os.Args and the environment.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs returns nil, nil when help was requested.
func LoadArgs(args []string) (*Cfg, error) {
	var (
		raw     rawCfg
		serve   serveCommand
		imp     importCommand
		command = CommandServe
	)

	parser := flags.NewParser(&raw, flags.Default)
	parser.SubcommandsOptional = true

	commands := []struct {
		name, short string
		data        interface{}
	}{
		{CommandServe, "Run the HTTP API and the background scheduler", &serve},
		{CommandFetch, "Fetch, normalize and combine all enabled feeds once", &emptyCommand{}},
		{CommandImport, "Run import batches against the current corpus", &imp},
		{CommandFinalize, "Purge records not seen by the completed run", &emptyCommand{}},
		{CommandStatus, "Print the import status as JSON", &emptyCommand{}},
		{CommandCancel, "Cancel the current import run", &emptyCommand{}},
		{CommandResume, "Resume a cancelled import run", &emptyCommand{}},
		{CommandReset, "Forget the current import run", &emptyCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.short, c.data); err != nil {
			return nil, errors.Wrapf(err, "failed to register command %s", c.name)
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if parser.Active != nil {
		command = parser.Active.Name
	}

	cfg := &Cfg{
		DBDriver:          raw.DBDriver,
		DatabaseURL:       raw.DatabaseURL,
		RedisURL:          raw.RedisURL,
		DataDir:           raw.DataDir,
		FeedsDir:          raw.FeedsDir,
		Port:              raw.Port,
		BaseUrl:           raw.BaseUrl,
		APIAccessKey:      raw.APIAccessKey,
		FetchRetries:      raw.FetchRetries,
		FetchRate:         raw.FetchRate,
		FetchBurst:        raw.FetchBurst,
		CronSpec:          raw.CronSpec,
		ContinuationDelay: time.Duration(raw.ContinuationDelay) * time.Second,
		RunOnStart:        raw.RunOnStart,
		RunName:           raw.RunName,
		BatchSize:         raw.BatchSize,
		FixedBatchSize:    raw.FixedBatchSize,
		SoftTimeLimit:     time.Duration(raw.SoftTimeLimit) * time.Second,
		MemoryLimitMB:     raw.MemoryLimitMB,
		MemoryCeiling:     raw.MemoryCeiling,
		FuzzyPolicy:       raw.FuzzyPolicy,
		DedupThreshold:    raw.DedupThreshold,
		DedupCandidates:   raw.DedupCandidates,
		FinalizeLockWait:  time.Duration(raw.FinalizeLockWait) * time.Second,
		BreakerThreshold:  raw.BreakerThreshold,
		BreakerTimeout:    time.Duration(raw.BreakerTimeout) * time.Second,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
		Command:           command,
		ImportStart:       imp.Start,
		ImportOnce:        imp.Once,
	}
	if command != CommandImport {
		cfg.ImportStart = -1
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// MemoryLimitBytes is zero when the limit should come from total system memory.
func (c *Cfg) MemoryLimitBytes() uint64 {
	if c.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(c.MemoryLimitMB) * 1024 * 1024
}

func applyTimezone(timezone string) error {
	if timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}
	time.Local = loc
	return nil
}
