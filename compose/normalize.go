// Package compose turns article markup into post text: it strips the markup
// down to plain text, fits it with the permalink into the grapheme budget,
// and locates the permalink for its link facet.
package compose

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var bareURLRe = regexp.MustCompile(`(?i)https?://\S+`)

// removedWhole reports elements dropped together with everything inside
// them: figures and their captions, quotations, footnote markers, headings.
func removedWhole(a atom.Atom) bool {
	switch a {
	case atom.Figure, atom.Blockquote, atom.Sup,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

// invisible elements contribute no text.
func invisible(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Template, atom.Noscript:
		return true
	}
	return false
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Ul, atom.Ol, atom.Dl,
		atom.Dt, atom.Dd, atom.Section, atom.Article, atom.Aside,
		atom.Header, atom.Footer, atom.Main, atom.Nav, atom.Table,
		atom.Tr, atom.Td, atom.Th, atom.Pre, atom.Hr, atom.Address,
		atom.Figcaption:
		return true
	}
	return false
}

// Normalize reduces article markup to a single line of plain text. It never
// fails: malformed markup yields whatever text the tolerant parser recovers.
func Normalize(markup string) string {
	nodes, err := html.ParseFragment(strings.NewReader(markup), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return collapseSpace(spaceSentences(stripURLs(markup)))
	}
	var b strings.Builder
	for _, n := range nodes {
		writeText(&b, n)
	}
	text := stripURLs(b.String())
	text = spaceSentences(text)
	return collapseSpace(text)
}

// writeText appends the decoded text of n, skipping removed subtrees and
// separating block elements with a space.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		if removedWhole(n.DataAtom) || invisible(n.DataAtom) {
			return
		}
	case html.CommentNode, html.DoctypeNode:
		return
	}
	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
	if block {
		b.WriteByte(' ')
	}
}

func stripURLs(s string) string {
	return bareURLRe.ReplaceAllString(s, "")
}

// spaceSentences inserts a space after '.', '!' or '?' when the next
// character is neither whitespace nor another '.', so "end.Next" becomes
// "end. Next" while "wait..." stays intact.
func spaceSentences(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i, r := range runes {
		b.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) {
			continue
		}
		next := runes[i+1]
		if next != '.' && !unicode.IsSpace(next) {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
