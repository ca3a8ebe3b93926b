package dedup

import (
	"github.com/cockroachdb/errors"

	"github.com/lysyi3m/job-comb/app/feed"
)

// Policy decides how a fuzzy-matched incoming record updates the stored one.
type Policy string

const (
	PolicyMerge     Policy = "merge"
	PolicyOverwrite Policy = "overwrite"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyMerge:
		return PolicyMerge, nil
	case PolicyOverwrite:
		return PolicyOverwrite, nil
	default:
		return "", errors.Newf("unknown fuzzy update policy %q", s)
	}
}

// Apply returns the record to persist for stored after a fuzzy match with incoming.
// The stored identifier always survives and the content hash is recomputed.
func (p Policy) Apply(stored, incoming feed.Record) feed.Record {
	var out feed.Record
	if p == PolicyOverwrite {
		out = incoming
	} else {
		out = merge(stored, incoming)
	}

	out.Identifier = stored.Identifier
	out.ContentHash = out.ComputeHash()
	return out
}

func merge(stored, incoming feed.Record) feed.Record {
	out := stored

	overwrite := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	overwrite(&out.Source, incoming.Source)
	overwrite(&out.Title, incoming.Title)
	overwrite(&out.Company, incoming.Company)
	overwrite(&out.Location, incoming.Location)
	overwrite(&out.Description, incoming.Description)
	overwrite(&out.Locale, incoming.Locale)
	overwrite(&out.Link, incoming.Link)
	overwrite(&out.ApplyURL, incoming.ApplyURL)
	overwrite(&out.FunctionGroup, incoming.FunctionGroup)
	overwrite(&out.EmploymentType, incoming.EmploymentType)

	// An estimate never replaces a real salary.
	if incoming.Salary != "" && (!incoming.SalaryEstimated || stored.Salary == "" || stored.SalaryEstimated) {
		out.Salary = incoming.Salary
		out.SalaryEstimated = incoming.SalaryEstimated
	}

	if incoming.PublishedAt != nil {
		out.PublishedAt = incoming.PublishedAt
	}
	if len(incoming.JobPosting) > 0 {
		out.JobPosting = incoming.JobPosting
	}
	if len(incoming.Product) > 0 {
		out.Product = incoming.Product
	}

	if len(stored.Benefits)+len(incoming.Benefits) > 0 {
		out.Benefits = make(map[string]bool, len(stored.Benefits)+len(incoming.Benefits))
		for k, v := range stored.Benefits {
			out.Benefits[k] = out.Benefits[k] || v
		}
		for k, v := range incoming.Benefits {
			out.Benefits[k] = out.Benefits[k] || v
		}
	}

	if len(stored.Extra)+len(incoming.Extra) > 0 {
		out.Extra = make(map[string]string, len(stored.Extra)+len(incoming.Extra))
		for k, v := range stored.Extra {
			out.Extra[k] = v
		}
		for k, v := range incoming.Extra {
			out.Extra[k] = v
		}
	}

	return out
}
