package feed

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/araddon/dateparse"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type salaryBand struct {
	keywords []string
	lo, hi   int
}

// Annual gross bands used when a listing carries no salary.
var salaryBands = []salaryBand{
	{[]string{"engineer", "developer", "entwickler", "software", "it", "devops", "data"}, 55000, 75000},
	{[]string{"finance", "accounting", "buchhaltung", "controlling"}, 48000, 65000},
	{[]string{"marketing", "communication"}, 42000, 58000},
	{[]string{"sales", "vertrieb", "account"}, 40000, 60000},
	{[]string{"health", "nurse", "pflege", "care", "medical"}, 38000, 52000},
	{[]string{"admin", "office", "assistant", "verwaltung"}, 35000, 45000},
	{[]string{"logistics", "warehouse", "lager", "driver", "fahrer"}, 30000, 40000},
	{[]string{"hospitality", "gastronomie", "kitchen", "koch", "hotel"}, 26000, 34000},
}

var defaultBand = salaryBand{lo: 35000, hi: 50000}

var benefitPatterns = map[string]*regexp.Regexp{
	"remote":                regexp.MustCompile(`(?i)\b(remote|home ?office|work from home|mobiles arbeiten|telearbeit)\b`),
	"company_car":           regexp.MustCompile(`(?i)(company car|firmenwagen|dienstwagen|firmenfahrzeug)`),
	"flexible_hours":        regexp.MustCompile(`(?i)(flexible (working )?hours|flexible arbeitszeit|gleitzeit|flexitime)`),
	"training":              regexp.MustCompile(`(?i)(training|weiterbildung|fortbildung|schulung)`),
	"bonus":                 regexp.MustCompile(`(?i)(bonus|prämie|praemie|13th salary|weihnachtsgeld)`),
	"pension":               regexp.MustCompile(`(?i)(pension|altersvorsorge|retirement plan|401k)`),
	"part_time":             regexp.MustCompile(`(?i)(part[- ]?time|teilzeit)`),
	"full_time":             regexp.MustCompile(`(?i)(full[- ]?time|vollzeit)`),
	"skill_english":         regexp.MustCompile(`(?i)\b(english|englisch)\b`),
	"skill_german":          regexp.MustCompile(`(?i)\b(german|deutsch)\b`),
	"skill_drivers_license": regexp.MustCompile(`(?i)(driver'?s licen[cs]e|führerschein|fuehrerschein)`),
}

var (
	slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)
	digitsOnly  = regexp.MustCompile(`[^0-9]`)
)

type Enricher struct {
	baseURL       string
	defaultLocale language.Tag
	cleaner       *Cleaner
}

func NewEnricher(baseURL, defaultLocale string, cleaner *Cleaner) *Enricher {
	tag, err := language.Parse(defaultLocale)
	if err != nil {
		tag = language.English
	}
	return &Enricher{
		baseURL:       strings.TrimRight(baseURL, "/"),
		defaultLocale: tag,
		cleaner:       cleaner,
	}
}

// Enrich cleans text fields and derives locale, links, salary, flags, dates and schema payloads.
func (e *Enricher) Enrich(rec *Record, raw map[string]string, feedLocale string) {
	tag := e.resolveLocale(lookup(raw, "language"), feedLocale)
	rec.Locale = tag.String()

	rec.Title = e.cleaner.CleanTitle(rec.Title)
	rec.Company = e.cleaner.CleanTitle(rec.Company)
	rec.Location = e.cleaner.CleanTitle(rec.Location)
	rec.Description = e.cleaner.CleanHTML(rec.Description)

	if rec.ApplyURL != "" && !isAbsoluteURL(rec.ApplyURL) {
		if rec.Extra == nil {
			rec.Extra = make(map[string]string)
		}
		rec.Extra["link"] = rec.ApplyURL
		rec.ApplyURL = ""
	}
	rec.Link = e.CanonicalLink(rec.Title, rec.Identifier)
	if rec.Link == "" {
		rec.Link = rec.ApplyURL
	}

	if date := lookup(raw, "date"); date != "" {
		if t, err := dateparse.ParseAny(date); err == nil {
			t = t.UTC()
			rec.PublishedAt = &t
		}
	}

	rec.Benefits = detectBenefits(rec.Title + " " + rec.Description + " " + rec.EmploymentType)
	if rec.EmploymentType == "" {
		switch {
		case rec.Benefits["full_time"]:
			rec.EmploymentType = "FULL_TIME"
		case rec.Benefits["part_time"]:
			rec.EmploymentType = "PART_TIME"
		}
	}

	cur := currencyFor(tag, lookup(raw, "currency"))
	minSalary, maxSalary := parseAmount(lookup(raw, "salary_min")), parseAmount(lookup(raw, "salary_max"))
	switch {
	case minSalary > 0 || maxSalary > 0:
		rec.Salary = formatRange(tag, "", minSalary, maxSalary, cur)
	case lookup(raw, "salary") != "":
		rec.Salary = e.cleaner.CleanTitle(lookup(raw, "salary"))
	default:
		band := bandFor(rec.FunctionGroup, rec.Title)
		rec.Salary = formatRange(tag, estimatePrefix(tag), band.lo, band.hi, cur)
		rec.SalaryEstimated = true
	}

	rec.JobPosting = e.jobPosting(rec, cur, minSalary, maxSalary)
	rec.Product = e.product(rec, cur, minSalary)
}

func (e *Enricher) resolveLocale(recordLocale, feedLocale string) language.Tag {
	for _, candidate := range []string{recordLocale, feedLocale} {
		if candidate == "" {
			continue
		}
		if tag, err := language.Parse(strings.ReplaceAll(candidate, "_", "-")); err == nil {
			return tag
		}
	}
	return e.defaultLocale
}

// CanonicalLink builds <base>/jobs/<slug(title)>-<slug(identifier)>.
func (e *Enricher) CanonicalLink(title, identifier string) string {
	if e.baseURL == "" {
		return ""
	}
	slug := strings.Trim(Slugify(title)+"-"+Slugify(identifier), "-")
	if slug == "" {
		return ""
	}
	return e.baseURL + "/jobs/" + slug
}

// Slugify lowercases s, strips diacritics and joins alphanumeric runs with dashes.
func Slugify(s string) string {
	s = strings.NewReplacer("ß", "ss", "ẞ", "SS", "æ", "ae", "ø", "o", "Ø", "O", "ł", "l", "Ł", "L").Replace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = cases.Lower(language.Und).String(s)
	return strings.Trim(slugInvalid.ReplaceAllString(s, "-"), "-")
}

func detectBenefits(text string) map[string]bool {
	flags := make(map[string]bool)
	for name, pattern := range benefitPatterns {
		if pattern.MatchString(text) {
			flags[name] = true
		}
	}
	if len(flags) == 0 {
		return nil
	}
	return flags
}

func bandFor(functionGroup, title string) salaryBand {
	for _, text := range []string{functionGroup, title} {
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, band := range salaryBands {
			for _, kw := range band.keywords {
				for _, w := range words {
					if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
						return band
					}
				}
			}
		}
	}
	return defaultBand
}

func estimatePrefix(tag language.Tag) string {
	base, _ := tag.Base()
	switch base.String() {
	case "de", "nl":
		return "ca. "
	case "fr":
		return "env. "
	default:
		return "approx. "
	}
}

func currencyFor(tag language.Tag, explicit string) currency.Unit {
	if explicit != "" {
		if unit, err := currency.ParseISO(strings.ToUpper(explicit)); err == nil {
			return unit
		}
	}
	region, _ := tag.Region()
	if unit, ok := currency.FromRegion(region); ok {
		return unit
	}
	return currency.EUR
}

func formatRange(tag language.Tag, prefix string, lo, hi int, cur currency.Unit) string {
	p := message.NewPrinter(tag)
	switch {
	case lo > 0 && hi > 0 && lo != hi:
		return prefix + p.Sprintf("%d", lo) + " - " + p.Sprintf("%d", hi) + " " + cur.String()
	case lo > 0:
		return prefix + p.Sprintf("%d", lo) + " " + cur.String()
	default:
		return prefix + p.Sprintf("%d", hi) + " " + cur.String()
	}
}

func parseAmount(s string) int {
	if s == "" {
		return 0
	}
	// Drop decimals before stripping separators: "52.000,00" and "52,000.00" both read as 52000.
	if i := strings.LastIndexAny(s, ".,"); i >= 0 && len(s)-i-1 == 2 {
		s = s[:i]
	}
	n, err := strconv.Atoi(digitsOnly.ReplaceAllString(s, ""))
	if err != nil {
		return 0
	}
	return n
}

func isAbsoluteURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func (e *Enricher) jobPosting(rec *Record, cur currency.Unit, minSalary, maxSalary int) json.RawMessage {
	posting := map[string]interface{}{
		"@context":    "https://schema.org",
		"@type":       "JobPosting",
		"title":       rec.Title,
		"description": rec.Description,
		"identifier": map[string]interface{}{
			"@type": "PropertyValue",
			"name":  rec.Company,
			"value": rec.Identifier,
		},
		"hiringOrganization": map[string]interface{}{
			"@type": "Organization",
			"name":  rec.Company,
		},
	}

	if rec.Location != "" {
		posting["jobLocation"] = map[string]interface{}{
			"@type": "Place",
			"address": map[string]interface{}{
				"@type":           "PostalAddress",
				"addressLocality": rec.Location,
			},
		}
	}
	if rec.PublishedAt != nil {
		posting["datePosted"] = rec.PublishedAt.Format("2006-01-02")
	}
	if rec.EmploymentType != "" {
		posting["employmentType"] = rec.EmploymentType
	}
	if rec.Link != "" {
		posting["url"] = rec.Link
	}
	if rec.Benefits["remote"] {
		posting["jobLocationType"] = "TELECOMMUTE"
	}
	if minSalary > 0 || maxSalary > 0 {
		value := map[string]interface{}{"@type": "QuantitativeValue", "unitText": "YEAR"}
		if minSalary > 0 {
			value["minValue"] = minSalary
		}
		if maxSalary > 0 {
			value["maxValue"] = maxSalary
		}
		posting["baseSalary"] = map[string]interface{}{
			"@type":    "MonetaryAmount",
			"currency": cur.String(),
			"value":    value,
		}
	}

	data, _ := json.Marshal(posting)
	return data
}

func (e *Enricher) product(rec *Record, cur currency.Unit, price int) json.RawMessage {
	offer := map[string]interface{}{
		"@type":         "Offer",
		"priceCurrency": cur.String(),
		"availability":  "https://schema.org/InStock",
	}
	if rec.ApplyURL != "" {
		offer["url"] = rec.ApplyURL
	} else if rec.Link != "" {
		offer["url"] = rec.Link
	}
	if price > 0 {
		offer["price"] = price
	}

	product := map[string]interface{}{
		"@context": "https://schema.org",
		"@type":    "Product",
		"name":     rec.Title,
		"sku":      rec.Identifier,
		"offers":   offer,
	}
	if rec.Company != "" {
		product["brand"] = map[string]interface{}{"@type": "Brand", "name": rec.Company}
	}

	data, _ := json.Marshal(product)
	return data
}
