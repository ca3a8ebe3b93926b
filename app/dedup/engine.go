package dedup

import (
	"fmt"
	"sort"
	"time"
)

const (
	DefaultThreshold     = 0.85
	DefaultMaxCandidates = 5

	StrategyComposite = "composite"
)

var weights = []struct {
	name   string
	weight float64
	value  func(Listing) string
}{
	{"title", 0.4, func(l Listing) string { return l.Title }},
	{"company", 0.3, func(l Listing) string { return l.Company }},
	{"location", 0.2, func(l Listing) string { return l.Location }},
	{"content", 0.1, func(l Listing) string { return l.Content }},
}

// Listing is the part of a job record the engine compares.
type Listing struct {
	ID          int64
	Title       string
	Company     string
	Location    string
	Content     string
	ContentHash string
	UpdatedAt   time.Time
}

type Match struct {
	StoreID    int64
	Similarity float64
	Reasons    []string
	Strategy   string
}

type Config struct {
	Threshold     float64
	MaxCandidates int
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	return &Engine{cfg: cfg}
}

// FindDuplicates scores candidate against pool and returns matches at or above the
// threshold, best first, ties by lowest store id.
func (e *Engine) FindDuplicates(candidate Listing, pool []Listing) []Match {
	var matches []Match

	for _, other := range pool {
		if candidate.ID != 0 && other.ID == candidate.ID {
			continue
		}

		score, reasons := e.Similarity(candidate, other)
		if score < e.cfg.Threshold {
			continue
		}
		matches = append(matches, Match{
			StoreID:    other.ID,
			Similarity: score,
			Reasons:    reasons,
			Strategy:   StrategyComposite,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].StoreID < matches[j].StoreID
	})

	if len(matches) > e.cfg.MaxCandidates {
		matches = matches[:e.cfg.MaxCandidates]
	}
	return matches
}

// Similarity is the weighted mean of component similarities, renormalized over
// components present on both sides.
func (e *Engine) Similarity(a, b Listing) (float64, []string) {
	var (
		total, weightSum float64
		reasons          []string
	)

	for _, w := range weights {
		va, vb := w.value(a), w.value(b)
		if va == "" || vb == "" {
			continue
		}
		s := TextSimilarity(va, vb)
		total += w.weight * s
		weightSum += w.weight
		if s >= e.cfg.Threshold {
			reasons = append(reasons, fmt.Sprintf("%s %.2f", w.name, s))
		}
	}

	if weightSum == 0 {
		return 0, nil
	}
	return total / weightSum, reasons
}
