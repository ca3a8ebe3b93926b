package tasks

import (
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/lysyi3m/job-comb/app/database"
)

// Pipeline bundles the collaborators shared by the fetch, import and finalize tasks.
type Pipeline struct {
	Configs    ConfigSource
	FeedRepo   database.FeedRepository
	Fetcher    FetcherInterface
	Normalizer NormalizerInterface
	Combiner   CombinerInterface
	Importer   ImporterInterface
	Limiter    *rate.Limiter
	DataDir    string

	// ContinuationDelay separates two batches of the same run.
	ContinuationDelay time.Duration
}

func (p *Pipeline) RawPath(feedName string) string {
	return filepath.Join(p.DataDir, "raw", feedName+".xml")
}

func (p *Pipeline) StagingPath(feedName string) string {
	return filepath.Join(p.DataDir, "staging", feedName+".jsonl")
}

func (p *Pipeline) CorpusPath() string {
	return CorpusPath(p.DataDir)
}

func CorpusPath(dataDir string) string {
	return filepath.Join(dataDir, "corpus.jsonl")
}
