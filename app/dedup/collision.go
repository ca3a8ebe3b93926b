package dedup

import (
	"sort"
)

const (
	ReasonIdenticalContent = "identical content"
	ReasonOlderVersion     = "older version kept"
)

type Demotion struct {
	ID     int64
	Reason string
}

type Resolution struct {
	Keep   Listing
	Demote []Demotion
}

// ResolveCollision picks one survivor among records sharing an identifier:
// the most recently modified, ties by lowest id. Input order does not matter.
func ResolveCollision(records []Listing) Resolution {
	if len(records) == 0 {
		return Resolution{}
	}

	sorted := make([]Listing, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	res := Resolution{Keep: sorted[0]}
	for _, other := range sorted[1:] {
		reason := ReasonOlderVersion
		if other.ContentHash != "" && other.ContentHash == res.Keep.ContentHash {
			reason = ReasonIdenticalContent
		}
		res.Demote = append(res.Demote, Demotion{ID: other.ID, Reason: reason})
	}
	return res
}
