// Package feed drafts a newsletter issue from the site's own RSS or Atom
// feed.
package feed

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

// ErrEmptyFeed is returned when the feed has no items.
var ErrEmptyFeed = errors.New("feed has no items")

const previewLimit = 150

// Draft is a prefilled send request for the newest feed item.
type Draft struct {
	Title       string `json:"title"`
	Subject     string `json:"subject"`
	PreviewText string `json:"previewText"`
	HTML        string `json:"html"`
	Link        string `json:"link"`
}

// Drafter turns feed items into drafts.
type Drafter struct {
	parser *gofeed.Parser
}

// NewDrafter returns a Drafter using a default gofeed parser.
func NewDrafter() *Drafter {
	return &Drafter{parser: gofeed.NewParser()}
}

// LatestIssue fetches feedURL and drafts its most recently published item.
func (d *Drafter) LatestIssue(ctx context.Context, feedURL string) (*Draft, error) {
	f, err := d.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	item := newest(f.Items)
	if item == nil {
		return nil, ErrEmptyFeed
	}
	logger.Debug("drafting issue from feed", "component", "feed", "item", item.Title, "items", len(f.Items))
	return draft(item), nil
}

func newest(items []*gofeed.Item) *gofeed.Item {
	var best *gofeed.Item
	var bestAt time.Time
	for _, it := range items {
		at := published(it)
		if best == nil || at.After(bestAt) {
			best, bestAt = it, at
		}
	}
	return best
}

func published(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return *it.PublishedParsed
	case it.UpdatedParsed != nil:
		return *it.UpdatedParsed
	}
	return time.Time{}
}

func draft(it *gofeed.Item) *Draft {
	title := strings.TrimSpace(it.Title)
	body := it.Content
	if strings.TrimSpace(body) == "" {
		body = it.Description
	}

	preview := plainText(it.Description)
	if preview == "" {
		preview = plainText(body)
	}
	if r := []rune(preview); len(r) > previewLimit {
		preview = strings.TrimSpace(string(r[:previewLimit])) + "…"
	}

	var b strings.Builder
	b.WriteString("<h1>" + html.EscapeString(title) + "</h1>\n")
	b.WriteString(body)
	if it.Link != "" {
		b.WriteString("\n<p><a href=\"" + html.EscapeString(it.Link) + "\">Read it on the site</a></p>")
	}
	b.WriteString("\n<p><a href=\"{{unsubscribe_url}}\">Unsubscribe</a></p>")

	return &Draft{
		Title:       title,
		Subject:     title,
		PreviewText: preview,
		HTML:        b.String(),
		Link:        it.Link,
	}
}

// plainText strips markup and collapses whitespace.
func plainText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
