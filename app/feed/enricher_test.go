package feed

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Köchin & Straße":             "kochin-strasse",
		"Senior Go Engineer (m/w/d)":  "senior-go-engineer-m-w-d",
		"  --Crème brûlée--  ":        "creme-brulee",
		"JOB-42":                      "job-42",
		"😀":                           "",
	}
	for input, expected := range tests {
		assert.Equal(t, expected, Slugify(input), input)
	}
}

func TestCanonicalLink(t *testing.T) {
	e := NewEnricher("https://jobs.example/", "en", NewCleaner())
	assert.Equal(t, "https://jobs.example/jobs/backend-engineer-job-42", e.CanonicalLink("Backend Engineer", "JOB-42"))

	bare := NewEnricher("", "en", NewCleaner())
	assert.Empty(t, bare.CanonicalLink("Backend Engineer", "JOB-42"))
}

func TestEnrichExactSalaryAndFlags(t *testing.T) {
	e := NewEnricher("https://jobs.example", "en", NewCleaner())
	raw := map[string]string{
		"language":   "de-DE",
		"salary_min": "50000",
		"salary_max": "60.000",
		"pubdate":    "2024-03-05T10:00:00Z",
	}
	rec := Record{
		Identifier:  "A-1",
		Source:      "acme",
		Title:       "Elektriker (m/w/d)",
		Company:     "ACME GmbH",
		Location:    "Berlin",
		Description: "<p>Home office möglich, Firmenwagen, Vollzeit</p><script>x()</script>",
		ApplyURL:    "https://acme.example/apply/1",
	}

	e.Enrich(&rec, raw, "")

	assert.Equal(t, "de-DE", rec.Locale)
	assert.Equal(t, "Elektriker", rec.Title)
	assert.NotContains(t, rec.Description, "script")
	assert.Equal(t, "50.000 - 60.000 EUR", rec.Salary)
	assert.False(t, rec.SalaryEstimated)
	assert.Equal(t, "https://jobs.example/jobs/elektriker-a-1", rec.Link)
	assert.Equal(t, "https://acme.example/apply/1", rec.ApplyURL)
	assert.True(t, rec.Benefits["remote"])
	assert.True(t, rec.Benefits["company_car"])
	assert.True(t, rec.Benefits["full_time"])
	assert.False(t, rec.Benefits["part_time"])
	assert.Equal(t, "FULL_TIME", rec.EmploymentType)

	require.NotNil(t, rec.PublishedAt)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), *rec.PublishedAt)

	var posting map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.JobPosting, &posting))
	assert.Equal(t, "JobPosting", posting["@type"])
	assert.Equal(t, "2024-03-05", posting["datePosted"])
	assert.Equal(t, "TELECOMMUTE", posting["jobLocationType"])
	salary := posting["baseSalary"].(map[string]interface{})
	assert.Equal(t, "EUR", salary["currency"])

	var product map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Product, &product))
	assert.Equal(t, "Product", product["@type"])
	assert.Equal(t, "A-1", product["sku"])
	offer := product["offers"].(map[string]interface{})
	assert.Equal(t, float64(50000), offer["price"])
}

func TestEnrichEstimatesSalaryByLocale(t *testing.T) {
	e := NewEnricher("", "en", NewCleaner())

	fr := Record{Identifier: "F-1", Source: "s", Title: "Vendeur"}
	e.Enrich(&fr, map[string]string{}, "fr")
	assert.Equal(t, "fr", fr.Locale)
	assert.True(t, fr.SalaryEstimated)
	assert.True(t, strings.HasPrefix(fr.Salary, "env. "), fr.Salary)
	assert.True(t, strings.HasSuffix(fr.Salary, "EUR"), fr.Salary)

	en := Record{Identifier: "E-1", Source: "s", Title: "Software Engineer", FunctionGroup: "Engineering"}
	e.Enrich(&en, map[string]string{}, "")
	assert.Equal(t, "en", en.Locale)
	assert.True(t, strings.HasPrefix(en.Salary, "approx. 55,000 - 75,000"), en.Salary)

	de := Record{Identifier: "D-1", Source: "s", Title: "Lagerist"}
	e.Enrich(&de, map[string]string{"lang": "de"}, "fr")
	assert.Equal(t, "de", de.Locale, "record language wins over feed locale")
	assert.True(t, strings.HasPrefix(de.Salary, "ca. 30.000 - 40.000"), de.Salary)
}

func TestEnrichMovesRelativeLinksToExtra(t *testing.T) {
	e := NewEnricher("", "en", NewCleaner())
	rec := Record{Identifier: "X", Source: "s", Title: "Nurse", ApplyURL: "/apply/42"}

	e.Enrich(&rec, map[string]string{}, "")

	assert.Empty(t, rec.ApplyURL)
	assert.Empty(t, rec.Link)
	assert.Equal(t, "/apply/42", rec.Extra["link"])
}

func TestParseAmount(t *testing.T) {
	assert.Equal(t, 52000, parseAmount("52.000"))
	assert.Equal(t, 52000, parseAmount("52,000.00"))
	assert.Equal(t, 52000, parseAmount("52.000,00 €"))
	assert.Equal(t, 0, parseAmount("n/a"))
}

func TestMapFields(t *testing.T) {
	raw := map[string]string{
		"referencenumber": "R-9",
		"jobtitle":        "Courier",
		"employer":        "Globex",
		"city":            "Leipzig",
		"summary":         "Deliver things",
		"applyurl":        "https://globex.example/9",
		"category":        "Logistics",
		"shift":           "night",
		"empty":           "  ",
	}

	rec := mapFields(raw, "globex")
	assert.Equal(t, "R-9", rec.Identifier)
	assert.Equal(t, "globex", rec.Source)
	assert.Equal(t, "Courier", rec.Title)
	assert.Equal(t, "Globex", rec.Company)
	assert.Equal(t, "Leipzig", rec.Location)
	assert.Equal(t, "Deliver things", rec.Description)
	assert.Equal(t, "https://globex.example/9", rec.ApplyURL)
	assert.Equal(t, "Logistics", rec.FunctionGroup)
	assert.Equal(t, map[string]string{"shift": "night"}, rec.Extra)
}
