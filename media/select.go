// Package media picks the images attached to a post and uploads them as
// blobs to the user's repository.
package media

import (
	"sort"

	"github.com/eringen/skyposter/article"
	"github.com/eringen/skyposter/atproto"
)

// MaxImages is the most images a single post can embed.
const MaxImages = atproto.MaxImages

// Select orders the candidate images for a post: the featured image first,
// then attachments by ascending menu order. Duplicates are dropped and at
// most MaxImages are returned.
func Select(featured *article.Image, attachments []article.Image) []article.Image {
	out := make([]article.Image, 0, MaxImages)
	seen := make(map[imageKey]bool)
	if featured != nil {
		out = append(out, *featured)
		seen[keyOf(*featured)] = true
	}

	sorted := make([]article.Image, len(attachments))
	copy(sorted, attachments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MenuOrder < sorted[j].MenuOrder
	})

	for _, img := range sorted {
		if len(out) >= MaxImages {
			break
		}
		k := keyOf(img)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, img)
	}
	return out
}

// imageKey identifies an image by its host ID, or by URL when the host sent
// none.
type imageKey struct {
	id  int64
	url string
}

func keyOf(img article.Image) imageKey {
	if img.ID != 0 {
		return imageKey{id: img.ID}
	}
	return imageKey{url: img.URL}
}
