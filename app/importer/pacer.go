package importer

import (
	"math"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 50

	highMemoryRatio = 0.85
	lowMemoryRatio  = 0.5
	shrinkFactor    = 0.7
	growFactor      = 1.5
	fastItemSeconds = 1.0
	slowdownRatio   = 1.2
	speedupRatio    = 0.8
	smoothingWeight = 0.7
)

// Pacer picks the size of the next batch from the last one's memory peak and timing.
type Pacer struct {
	Adaptive bool
	Fixed    int
}

// Smooth folds the latest time-per-item into the running average.
func Smooth(previous, current float64) float64 {
	if previous <= 0 {
		return current
	}
	return smoothingWeight*previous + (1-smoothingWeight)*current
}

// Next returns the batch size to use after a batch of size current.
// smoothed and previous are the running time-per-item after and before that batch.
func (p Pacer) Next(current int, peakMemory, smoothed, previous float64) int {
	if !p.Adaptive {
		return clampSize(p.Fixed)
	}
	if current < MinBatchSize {
		current = clampSize(p.Fixed)
	}

	size := float64(current)
	switch {
	case peakMemory > highMemoryRatio:
		size = math.Floor(size * shrinkFactor)
	case peakMemory < lowMemoryRatio && smoothed > 0 && smoothed < fastItemSeconds:
		size = math.Ceil(size * growFactor)
	}

	// Timing scales the memory-adjusted size on its own.
	if previous > 0 && smoothed > 0 {
		ratio := smoothed / previous
		if ratio > slowdownRatio || ratio < speedupRatio {
			size = math.Round(size / ratio)
		}
	}

	return clampSize(int(size))
}

func clampSize(n int) int {
	if n < MinBatchSize {
		return MinBatchSize
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}
