package feed

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"sort"
	"time"
)

// Channel describes the republished listings feed.
type Channel struct {
	Title       string
	Link        string
	SelfLink    string
	Description string
	Language    string
	Generator   string
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Run renders records as an RSS 2.0 document. Records are expected newest first.
func (g *Generator) Run(channel Channel, records []Record, now time.Time) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", channel.Title, 4)
	g.writeElement(&buf, "link", channel.Link, 4)
	g.writeElement(&buf, "description", cmp.Or(channel.Description, "Imported job listings"), 4)

	if channel.SelfLink != "" {
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(channel.SelfLink)))
	}

	lastBuildDate := now
	if len(records) > 0 && records[0].PublishedAt != nil {
		lastBuildDate = *records[0].PublishedAt
	}

	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", channel.Generator, 4)
	g.writeElement(&buf, "language", channel.Language, 4)

	for _, rec := range records {
		g.writeItem(&buf, rec, now)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, rec Record, now time.Time) {
	buf.WriteString("    <item>\n")

	buf.WriteString(fmt.Sprintf("      <guid isPermaLink=\"%t\">", g.isURL(rec.Identifier)))
	xml.EscapeText(buf, []byte(rec.Identifier))
	buf.WriteString("</guid>\n")

	title := rec.Title
	if rec.Company != "" {
		title = fmt.Sprintf("%s at %s", rec.Title, rec.Company)
	}
	g.writeElement(buf, "title", title, 6)
	g.writeElement(buf, "link", cmp.Or(rec.ApplyURL, rec.Link), 6)

	summary := rec.Location
	switch {
	case summary != "" && rec.Salary != "":
		summary += " | " + rec.Salary
	case rec.Salary != "":
		summary = rec.Salary
	}
	g.writeElement(buf, "description", cmp.Or(summary, "No description available"), 6)

	if rec.Description != "" {
		buf.WriteString("      <content:encoded><![CDATA[")
		buf.WriteString(rec.Description)
		buf.WriteString("]]></content:encoded>\n")
	}

	published := now
	if rec.PublishedAt != nil {
		published = *rec.PublishedAt
	}
	g.writeElement(buf, "pubDate", published.Format(time.RFC1123Z), 6)
	g.writeElement(buf, "author", rec.Company, 6)

	if rec.FunctionGroup != "" {
		g.writeElement(buf, "category", rec.FunctionGroup, 6)
	}
	flags := make([]string, 0, len(rec.Benefits))
	for flag, on := range rec.Benefits {
		if on {
			flags = append(flags, flag)
		}
	}
	sort.Strings(flags)
	for _, flag := range flags {
		g.writeElement(buf, "category", flag, 6)
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func (g *Generator) isURL(s string) bool {
	return (len(s) > 7 && s[:7] == "http://") || (len(s) > 8 && s[:8] == "https://")
}
