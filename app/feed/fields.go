package feed

import (
	"strings"
)

// Feed-specific element names folded onto record fields. First non-empty alias wins.
var fieldAliases = map[string][]string{
	"identifier":     {"guid", "id", "identifier", "referencenumber", "reference", "jobid", "job_id"},
	"title":          {"title", "jobtitle", "job_title", "position"},
	"company":        {"company", "companyname", "company_name", "employer", "hiringorganization"},
	"location":       {"location", "city", "joblocation", "place"},
	"description":    {"description", "content", "encoded", "body", "summary"},
	"link":           {"url", "link", "applyurl", "apply_url"},
	"language":       {"language", "lang", "locale"},
	"salary":         {"salary"},
	"salary_min":     {"salary_min", "salarymin", "minsalary"},
	"salary_max":     {"salary_max", "salarymax", "maxsalary"},
	"currency":       {"currency", "salary_currency"},
	"function_group": {"category", "function", "function_group", "jobcategory"},
	"employment":     {"jobtype", "employment_type", "employmenttype", "type"},
	"date":           {"date", "pubdate", "published", "posted", "dateposted", "updated"},
}

var aliasedFields = func() map[string]bool {
	m := make(map[string]bool)
	for _, aliases := range fieldAliases {
		for _, a := range aliases {
			m[a] = true
		}
	}
	return m
}()

// lookup returns the first non-empty raw value for a canonical field.
func lookup(raw map[string]string, field string) string {
	for _, alias := range fieldAliases[field] {
		if v := strings.TrimSpace(raw[alias]); v != "" {
			return v
		}
	}
	return ""
}

// mapFields builds the base record from raw element values.
// Unrecognized elements are kept in Extra.
func mapFields(raw map[string]string, source string) Record {
	rec := Record{
		Identifier:     lookup(raw, "identifier"),
		Source:         source,
		Title:          lookup(raw, "title"),
		Company:        lookup(raw, "company"),
		Location:       lookup(raw, "location"),
		Description:    lookup(raw, "description"),
		ApplyURL:       lookup(raw, "link"),
		FunctionGroup:  lookup(raw, "function_group"),
		EmploymentType: lookup(raw, "employment"),
	}

	for k, v := range raw {
		if aliasedFields[k] || strings.TrimSpace(v) == "" {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra[k] = strings.TrimSpace(v)
	}

	return rec
}
