package importer

import (
	"log/slog"
	"time"
)

type Decision int

const (
	Continue Decision = iota
	Paused
)

func (d Decision) String() string {
	if d == Paused {
		return "paused"
	}
	return "continue"
}

// MemorySampler reports current memory use against the limit the run must stay under.
type MemorySampler interface {
	Sample() (used, limit uint64, err error)
}

// Budget bounds one batch by wall time and memory.
type Budget struct {
	softLimit time.Duration
	ceiling   float64
	sampler   MemorySampler
	now       func() time.Time

	started time.Time
	checks  int
	peak    float64
	reason  string
}

func NewBudget(softLimit time.Duration, ceiling float64, sampler MemorySampler, now func() time.Time) *Budget {
	return &Budget{
		softLimit: softLimit,
		ceiling:   ceiling,
		sampler:   sampler,
		now:       now,
		started:   now(),
	}
}

// Check is called before each record. The first record of a batch always runs
// so that every batch makes progress.
func (b *Budget) Check() Decision {
	b.checks++
	ratio := b.sampleRatio()

	if b.checks == 1 {
		return Continue
	}

	if b.softLimit > 0 && b.now().Sub(b.started) >= b.softLimit {
		b.reason = "soft time limit reached"
		return Paused
	}
	if b.ceiling > 0 && ratio >= b.ceiling {
		b.reason = "memory ceiling reached"
		return Paused
	}
	return Continue
}

func (b *Budget) sampleRatio() float64 {
	if b.sampler == nil {
		return 0
	}
	used, limit, err := b.sampler.Sample()
	if err != nil || limit == 0 {
		if err != nil {
			slog.Debug("Memory sample failed", "error", err)
		}
		return 0
	}
	ratio := float64(used) / float64(limit)
	if ratio > b.peak {
		b.peak = ratio
	}
	return ratio
}

// PeakRatio is the highest memory ratio seen during the batch.
func (b *Budget) PeakRatio() float64 { return b.peak }

func (b *Budget) Elapsed() time.Duration { return b.now().Sub(b.started) }

// Reason explains the last Paused decision.
func (b *Budget) Reason() string { return b.reason }
