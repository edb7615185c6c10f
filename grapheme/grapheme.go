// Package grapheme measures and cuts text by user-perceived character
// (extended grapheme cluster) rather than by byte or code point.
package grapheme

import (
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// Measurer counts and slices text in some notion of "character".
type Measurer interface {
	// Len returns the number of units in s.
	Len(s string) int
	// Slice returns count units of s starting at unit start. Out of range
	// arguments are clamped.
	Slice(s string, start, count int) string
}

// Clusters measures extended grapheme clusters (UAX #29). Combining marks,
// emoji modifier and ZWJ sequences, and regional indicator pairs count as
// one unit.
type Clusters struct{}

func (Clusters) Len(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

func (Clusters) Slice(s string, start, count int) string {
	if start < 0 {
		start = 0
	}
	if count <= 0 || s == "" {
		return ""
	}
	begin, end := -1, len(s)
	idx, offset, state := 0, 0, -1
	rest := s
	for rest != "" {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if idx == start {
			begin = offset
		}
		offset += len(cluster)
		idx++
		if idx == start+count {
			end = offset
			break
		}
	}
	if begin < 0 {
		return ""
	}
	return s[begin:end]
}

// CodePoints measures Unicode code points. It is the degraded fallback for
// environments without segmentation tables: cluster boundaries become code
// point boundaries, so a flag or an accented letter built from a combining
// mark counts as two.
type CodePoints struct{}

func (CodePoints) Len(s string) int {
	return utf8.RuneCountInString(s)
}

func (CodePoints) Slice(s string, start, count int) string {
	if start < 0 {
		start = 0
	}
	if count <= 0 {
		return ""
	}
	begin, end := -1, len(s)
	idx := 0
	for off := range s {
		if idx == start {
			begin = off
		}
		if idx == start+count {
			end = off
			break
		}
		idx++
	}
	if begin < 0 {
		return ""
	}
	return s[begin:end]
}

// Default is the measurer used by the package-level helpers.
var Default Measurer = Clusters{}

// Len returns the number of grapheme clusters in s.
func Len(s string) int { return Default.Len(s) }

// Slice returns count grapheme clusters of s starting at cluster start.
func Slice(s string, start, count int) string { return Default.Slice(s, start, count) }
