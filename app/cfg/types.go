package cfg

import "time"

const (
	CommandServe    = "serve"
	CommandFetch    = "fetch"
	CommandImport   = "import"
	CommandFinalize = "finalize"
	CommandStatus   = "status"
	CommandCancel   = "cancel"
	CommandResume   = "resume"
	CommandReset    = "reset"
)

type Cfg struct {
	// Storage
	DBDriver    string
	DatabaseURL string
	RedisURL    string
	DataDir     string

	// Application configuration
	FeedsDir     string
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Fetching
	FetchRetries int
	FetchRate    float64
	FetchBurst   int

	// Scheduling
	CronSpec          string
	ContinuationDelay time.Duration
	RunOnStart        bool

	// Import
	RunName          string
	BatchSize        int
	FixedBatchSize   bool
	SoftTimeLimit    time.Duration
	MemoryLimitMB    int
	MemoryCeiling    float64
	FuzzyPolicy      string
	DedupThreshold   float64
	DedupCandidates  int
	FinalizeLockWait time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string

	// Command is the selected subcommand; serve when none was given.
	Command     string
	ImportStart int
	ImportOnce  bool
}
