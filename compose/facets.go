package compose

import (
	"strings"

	"github.com/eringen/skyposter/atproto"
	"github.com/eringen/skyposter/grapheme"
)

// LinkFacets returns a link facet over the first occurrence of permalink in
// text. Offsets are UTF-8 byte offsets. If the permalink does not appear
// verbatim the result is empty: the post still goes out, just without a
// clickable link.
func LinkFacets(text, permalink string) []atproto.Facet {
	if permalink == "" {
		return []atproto.Facet{}
	}
	start := strings.Index(text, permalink)
	if start < 0 {
		return []atproto.Facet{}
	}
	return []atproto.Facet{{
		Index: atproto.ByteSlice{
			ByteStart: start,
			ByteEnd:   start + len(permalink),
		},
		Features: []atproto.LinkFeature{{URI: permalink}},
	}}
}

// Post is the text part of a post ready for a record.
type Post struct {
	Text       string
	Facets     []atproto.Facet
	Truncation Truncation
}

// Compose normalizes the article, fits it into budget and links the
// permalink.
func Compose(title, markup, permalink string, budget int, m grapheme.Measurer) Post {
	t := Text(title, markup, permalink, budget, m)
	return Post{
		Text:       t.Text,
		Facets:     LinkFacets(t.Text, permalink),
		Truncation: t,
	}
}
