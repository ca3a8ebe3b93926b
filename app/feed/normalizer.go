package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mmcdole/gofeed"
	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

const (
	flushEvery   = 100
	detectWindow = 64 * 1024
)

type Normalizer struct {
	enricher *Enricher
	filterer *Filterer
	validate *validator.Validate
}

func NewNormalizer(enricher *Enricher, filterer *Filterer) *Normalizer {
	return &Normalizer{
		enricher: enricher,
		filterer: filterer,
		validate: validator.New(),
	}
}

// Normalize streams the raw feed at rawPath and writes one JSON line per listing to out.
// Broken markup ends the stream early without an error; only an unreadable file is fatal.
func (n *Normalizer) Normalize(ctx context.Context, rawPath string, out io.Writer, src *Config) (int, error) {
	itemElement := strings.ToLower(src.Settings.ItemElement)
	if itemElement == "" {
		detected, err := detectItemElement(rawPath)
		if err != nil {
			return 0, err
		}
		itemElement = detected
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open raw feed %s", rawPath)
	}
	defer f.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	p := xpp.NewXMLPullParser(f, false, charset.NewReaderLabel)
	count, skipped, filtered := 0, 0, 0

	for {
		if err := ctx.Err(); err != nil {
			w.Flush()
			return count, err
		}

		event, err := p.Next()
		if err != nil {
			slog.Warn("Feed parsing stopped", "feed", src.Name, "error", err, "records", count)
			break
		}
		if event == xpp.EndDocument {
			break
		}
		if event != xpp.StartTag || strings.ToLower(p.Name) != itemElement {
			continue
		}

		raw, err := readItemFields(p)
		if err != nil {
			slog.Warn("Feed parsing stopped inside item", "feed", src.Name, "error", err, "records", count)
			break
		}
		if len(raw) == 0 {
			skipped++
			slog.Debug("Skipping item without fields", "feed", src.Name, "element", itemElement)
			continue
		}

		rec := mapFields(raw, src.Name)
		if rec.Identifier == "" {
			skipped++
			slog.Warn("Dropping item without identifier", "feed", src.Name, "title", rec.Title)
			continue
		}

		n.enricher.Enrich(&rec, raw, src.Settings.Locale)

		if excluded, reason := n.filterer.Exclude(&rec, src.Filters); excluded {
			filtered++
			slog.Debug("Item filtered", "feed", src.Name, "identifier", rec.Identifier, "reason", reason)
			continue
		}

		if err := n.validate.Struct(&rec); err != nil {
			skipped++
			slog.Warn("Dropping invalid item", "feed", src.Name, "identifier", rec.Identifier, "error", err)
			continue
		}

		rec.ContentHash = rec.ComputeHash()
		if err := enc.Encode(&rec); err != nil {
			return count, errors.Wrap(err, "failed to write normalized record")
		}
		count++

		if count%flushEvery == 0 {
			if err := w.Flush(); err != nil {
				return count, errors.Wrap(err, "failed to flush normalized records")
			}
		}
	}

	if err := w.Flush(); err != nil {
		return count, errors.Wrap(err, "failed to flush normalized records")
	}

	slog.Debug("Feed normalized", "feed", src.Name, "records", count, "skipped", skipped, "filtered", filtered)
	return count, nil
}

// readItemFields consumes the current item element and returns its children as
// lowercase local name to text. Repeated children are joined with ", ".
func readItemFields(p *xpp.XMLPullParser) (map[string]string, error) {
	fields := make(map[string]string)
	depth := 1

	for depth > 0 {
		event, err := p.Next()
		if err != nil {
			return nil, err
		}

		switch event {
		case xpp.EndDocument:
			return nil, io.ErrUnexpectedEOF
		case xpp.EndTag:
			depth--
		case xpp.StartTag:
			name := strings.ToLower(p.Name)
			href := attr(p, "href")
			text, err := readElementText(p)
			if err != nil {
				return nil, err
			}
			if text == "" {
				text = href
			}
			if text == "" {
				continue
			}
			if prev, ok := fields[name]; ok && prev != text {
				fields[name] = prev + ", " + text
			} else {
				fields[name] = text
			}
		}
	}

	return fields, nil
}

// readElementText consumes the current element and joins all nested text.
func readElementText(p *xpp.XMLPullParser) (string, error) {
	var parts []string
	depth := 1

	for depth > 0 {
		event, err := p.Next()
		if err != nil {
			return "", err
		}

		switch event {
		case xpp.EndDocument:
			return "", io.ErrUnexpectedEOF
		case xpp.StartTag:
			depth++
		case xpp.EndTag:
			depth--
		case xpp.Text:
			if t := strings.TrimSpace(p.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}

	return strings.Join(parts, " "), nil
}

func attr(p *xpp.XMLPullParser, name string) string {
	for _, a := range p.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func detectItemElement(rawPath string) (string, error) {
	f, err := os.Open(rawPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open raw feed %s", rawPath)
	}
	defer f.Close()

	switch gofeed.DetectFeedType(io.LimitReader(f, detectWindow)) {
	case gofeed.FeedTypeRSS:
		return "item", nil
	case gofeed.FeedTypeAtom:
		return "entry", nil
	default:
		return "job", nil
	}
}
