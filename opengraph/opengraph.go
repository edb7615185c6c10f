// Package opengraph reads the og:title, og:description and og:image meta
// tags of a page for use as a link card.
package opengraph

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/eringen/skyposter/fetch"
)

// Metadata is the subset of OpenGraph properties used for a card.
type Metadata struct {
	Title       string
	Description string
	Image       string
}

// Empty reports whether no property was found.
func (m Metadata) Empty() bool {
	return m.Title == "" && m.Description == "" && m.Image == ""
}

var (
	titleSel = cascadia.MustCompile(`meta[property="og:title"]`)
	descSel  = cascadia.MustCompile(`meta[property="og:description"]`)
	imageSel = cascadia.MustCompile(`meta[property="og:image"]`)
)

// Logger receives warnings.
type Logger interface {
	Logf(format string, args ...any)
}

// Fetcher downloads pages and extracts their metadata.
type Fetcher struct {
	HTTP *fetch.Fetcher
	Log  Logger
}

// Fetch downloads pageURL and parses its OpenGraph tags. A missing title or
// description is logged but not an error.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (Metadata, error) {
	resp, err := f.HTTP.Get(ctx, pageURL, "text/html,application/xhtml+xml")
	if err != nil {
		return Metadata{}, fmt.Errorf("opengraph: %w", err)
	}
	md, err := Parse(resp.Body)
	if err != nil {
		return Metadata{}, fmt.Errorf("opengraph: %w", err)
	}
	if (md.Title == "" || md.Description == "") && f.Log != nil {
		f.Log.Logf("Warning: Could not extract full OpenGraph metadata (title/description) from the URL.")
	}
	return md, nil
}

// Parse extracts metadata from an HTML document. For each property the first
// tag with non-empty content wins.
func Parse(page []byte) (Metadata, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return Metadata{}, fmt.Errorf("parse html: %w", err)
	}
	return Metadata{
		Title:       firstContent(doc, titleSel),
		Description: firstContent(doc, descSel),
		Image:       firstContent(doc, imageSel),
	}, nil
}

func firstContent(doc *html.Node, sel cascadia.Selector) string {
	for _, n := range cascadia.QueryAll(doc, sel) {
		for _, a := range n.Attr {
			if a.Key != "content" {
				continue
			}
			if v := strings.TrimSpace(a.Val); v != "" {
				return v
			}
		}
	}
	return ""
}
