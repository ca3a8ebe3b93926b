package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Record is one normalized job listing as staged in the corpus.
type Record struct {
	Identifier      string            `json:"identifier" validate:"required"`
	Source          string            `json:"source" validate:"required"`
	Title           string            `json:"title"`
	Company         string            `json:"company,omitempty"`
	Location        string            `json:"location,omitempty"`
	Description     string            `json:"description,omitempty"`
	Locale          string            `json:"locale" validate:"required"`
	Link            string            `json:"link,omitempty" validate:"omitempty,url"`
	ApplyURL        string            `json:"apply_url,omitempty" validate:"omitempty,url"`
	Salary          string            `json:"salary,omitempty"`
	SalaryEstimated bool              `json:"salary_estimated,omitempty"`
	FunctionGroup   string            `json:"function_group,omitempty"`
	EmploymentType  string            `json:"employment_type,omitempty"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
	Benefits        map[string]bool   `json:"benefits,omitempty"`
	JobPosting      json.RawMessage   `json:"job_posting,omitempty"`
	Product         json.RawMessage   `json:"product,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
	ContentHash     string            `json:"content_hash"`
}

// ComputeHash digests the fields that make up a listing's content.
// Schema payloads are derived from these and are left out.
func (r *Record) ComputeHash() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write(r.Identifier, r.Source, r.Title, r.Company, r.Location, r.Description, r.Locale,
		r.Link, r.ApplyURL, r.Salary, r.FunctionGroup, r.EmploymentType)
	if r.PublishedAt != nil {
		write(r.PublishedAt.UTC().Format(time.RFC3339))
	}
	write(sortedFlags(r.Benefits)...)

	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, r.Extra[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

func sortedFlags(flags map[string]bool) []string {
	out := make([]string, 0, len(flags))
	for k, v := range flags {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return []string{strings.Join(out, ",")}
}

// Configuration types

type Config struct {
	Name     string         `validate:"required"` // Derived from filename (without .yml extension)
	URL      string         `yaml:"url" validate:"required,url"`
	Settings ConfigSettings `yaml:"settings"`
	Filters  []ConfigFilter `yaml:"filters" validate:"dive"`
}

type ConfigSettings struct {
	Enabled     bool   `yaml:"enabled"`
	Timeout     int    `yaml:"timeout" validate:"gte=0"`   // seconds
	MinBytes    int64  `yaml:"min_bytes" validate:"gte=0"` // smaller payloads are rejected
	ItemElement string `yaml:"item_element"`               // detected from the document when empty
	Locale      string `yaml:"locale"`
	Priority    int    `yaml:"priority"` // lower goes first in the corpus
}

type ConfigFilter struct {
	Field    string   `yaml:"field" validate:"oneof=title description company location"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}
