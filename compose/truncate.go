package compose

import (
	"strings"

	"github.com/eringen/skyposter/grapheme"
)

// DefaultBudget is the post length limit in grapheme clusters.
const DefaultBudget = 300

// Separator goes between the title and the body, and before the permalink.
const Separator = "\n\n"

// Ellipsis marks text that was cut short.
const Ellipsis = "…"

// Truncation is the result of fitting content and permalink into a budget.
type Truncation struct {
	Text       string
	Trimmed    bool
	ContentLen int
	LinkCost   int
	// Limit is the grapheme allowance left for content, ellipsis included.
	Limit int
	// Recut is set when the final defensive cut had to shorten the text.
	Recut bool
}

// Truncate returns content followed by Separator and permalink, cutting the
// content so the whole never exceeds budget graphemes as counted by m.
//
// When cutting, the content is shortened to the allowance, backed off to
// the last space to avoid splitting a word, and an ellipsis is appended.
// A final hard cut to budget guards against measurers whose counts do not
// add up across concatenation.
func Truncate(content, permalink string, budget int, m grapheme.Measurer) Truncation {
	if m == nil {
		m = grapheme.Default
	}
	link := Separator + permalink
	t := Truncation{
		ContentLen: m.Len(content),
		LinkCost:   m.Len(link),
	}
	if t.ContentLen+t.LinkCost <= budget {
		t.Text = content + link
		t.Limit = budget - t.LinkCost
		return t
	}

	t.Trimmed = true
	t.Limit = budget - t.LinkCost
	if t.Limit < 0 {
		t.Limit = 0
	}
	cut := m.Slice(content, 0, t.Limit)
	if i := strings.LastIndex(cut, " "); i >= 0 {
		cut = cut[:i]
	} else if t.Limit > 0 {
		// No word boundary: give up one grapheme so the ellipsis fits.
		cut = m.Slice(cut, 0, t.Limit-1)
	}
	t.Text = cut + Ellipsis + link

	if m.Len(t.Text) > budget {
		t.Text = m.Slice(t.Text, 0, budget)
		t.Recut = true
	}
	return t
}

// Text builds "{title}\n\n{normalized body}" and fits it with the
// permalink into budget.
func Text(title, markup, permalink string, budget int, m grapheme.Measurer) Truncation {
	content := title + Separator + Normalize(markup)
	return Truncate(content, permalink, budget, m)
}
