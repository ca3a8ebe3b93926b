package feed

import (
	"strings"
	"testing"
)

func TestFilterer_Exclude_Reasons(t *testing.T) {
	filterer := NewFilterer()

	tests := []struct {
		name       string
		record     Record
		filters    []ConfigFilter
		excluded   bool
		reasonPart string
	}{
		{
			name:     "no filters keeps everything",
			record:   Record{Title: "Nurse"},
			excluded: false,
		},
		{
			name:     "title include ignores case",
			record:   Record{Title: "Platform ENGINEER"},
			filters:  []ConfigFilter{{Field: "title", Includes: []string{"engineer"}}},
			excluded: false,
		},
		{
			name:       "title include missing",
			record:     Record{Title: "Warehouse Operative"},
			filters:    []ConfigFilter{{Field: "title", Includes: []string{"engineer"}}},
			excluded:   true,
			reasonPart: "does not contain any of [engineer]",
		},
		{
			name:       "exclude keyword in company",
			record:     Record{Company: "Temp Staffing Agency GmbH"},
			filters:    []ConfigFilter{{Field: "company", Excludes: []string{"agency"}}},
			excluded:   true,
			reasonPart: "contains 'agency'",
		},
		{
			name:       "include keyword missing from location",
			record:     Record{Location: "Hamburg"},
			filters:    []ConfigFilter{{Field: "location", Includes: []string{"Berlin", "Munich"}}},
			excluded:   true,
			reasonPart: "does not contain any of",
		},
		{
			name:     "description include matches",
			record:   Record{Description: "Remote friendly team"},
			filters:  []ConfigFilter{{Field: "description", Includes: []string{"remote"}}},
			excluded: false,
		},
		{
			name:   "exclude wins over include",
			record: Record{Title: "Go Engineer internship"},
			filters: []ConfigFilter{
				{Field: "title", Includes: []string{"engineer"}, Excludes: []string{"internship"}},
			},
			excluded:   true,
			reasonPart: "internship",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			excluded, reason := filterer.Exclude(&tt.record, tt.filters)
			if excluded != tt.excluded {
				t.Errorf("Expected excluded=%v, got %v (reason %q)", tt.excluded, excluded, reason)
			}
			if tt.reasonPart != "" && !strings.Contains(reason, tt.reasonPart) {
				t.Errorf("Expected reason to contain %q, got %q", tt.reasonPart, reason)
			}
			if !tt.excluded && reason != "" {
				t.Errorf("Expected empty reason, got %q", reason)
			}
		})
	}
}
