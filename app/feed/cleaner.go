package feed

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	strippedElements = "script, style, iframe, object, embed, form, noscript, link, meta, input, button, select, textarea"

	keptAttributes = map[string]bool{
		"href":  true,
		"title": true,
		"alt":   true,
	}

	emojiPattern = regexp.MustCompile(`[\x{1F000}-\x{1FAFF}\x{2600}-\x{27BF}\x{1F1E6}-\x{1F1FF}\x{FE0F}\x{200D}\x{2B50}\x{2B55}]`)

	genderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\s*[\(\[]\s*[mwfdxi]\s*/\s*[mwfdxi](\s*/\s*[mwfdxi]){0,2}\s*[\)\]]\*?`),
		regexp.MustCompile(`(?i)\s*[\(\[]\s*(all genders?|alle geschlechter|gn|genderneutral)\s*[\)\]]`),
		regexp.MustCompile(`(?i)\s+[mwfd]\s*/\s*[mwfdx]\s*/\s*[mwfdx]\s*$`),
	}

	whitespacePattern = regexp.MustCompile(`\s+`)
)

type Cleaner struct{}

func NewCleaner() *Cleaner {
	return &Cleaner{}
}

// CleanHTML strips active content, presentational attributes and emoji from a long-text field.
// Plain text passes through with only emoji and whitespace normalized.
func (c *Cleaner) CleanHTML(s string) string {
	if !strings.Contains(s, "<") {
		return c.cleanText(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return c.cleanText(s)
	}

	doc.Find(strippedElements).Remove()
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		if node == nil || node.Type != html.ElementNode {
			return
		}
		attrs := node.Attr[:0]
		for _, attr := range node.Attr {
			if keptAttributes[strings.ToLower(attr.Key)] && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(attr.Val)), "javascript:") {
				attrs = append(attrs, attr)
			}
		}
		node.Attr = attrs
	})

	out, err := doc.Find("body").Html()
	if err != nil {
		return c.cleanText(doc.Text())
	}

	return strings.TrimSpace(emojiPattern.ReplaceAllString(out, ""))
}

// CleanTitle removes gender suffixes like "(m/w/d)" and emoji, and collapses whitespace.
func (c *Cleaner) CleanTitle(s string) string {
	if strings.Contains(s, "<") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}

	for _, p := range genderPatterns {
		s = p.ReplaceAllString(s, "")
	}

	return strings.Trim(c.cleanText(s), " -|,")
}

func (c *Cleaner) cleanText(s string) string {
	s = emojiPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
