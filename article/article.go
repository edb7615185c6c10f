// Package article holds the status-transition event the host content system
// emits for a post, and the image references attached to it.
package article

import "time"

// StatusPublished is the status an article transitions into when it goes
// live.
const StatusPublished = "published"

// DefaultPostType is the content type tracked unless configured otherwise.
const DefaultPostType = "post"

// Image references an image stored by the host, either as an attachment or
// as the featured image.
type Image struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Alt       string `json:"alt,omitempty"`
	MenuOrder int    `json:"menu_order,omitempty"`
}

// Event is delivered by the host on every status change of a post. It is
// read-only to the pipeline.
type Event struct {
	PostID    int64  `json:"post_id"`
	PostType  string `json:"post_type"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	// Autosave marks events raised by the editor's background save.
	Autosave bool `json:"autosave,omitempty"`

	Title     string `json:"title"`
	Content   string `json:"content"`
	Permalink string `json:"permalink"`

	// OptIn is the persisted per-article setting.
	OptIn bool `json:"opt_in"`
	// FormOptIn is the value submitted with the same request that changed
	// the status, or nil if no settings form was submitted.
	FormOptIn *bool `json:"form_opt_in,omitempty"`
	// LastAttempt is the time of the previous publish attempt; zero if
	// there was none.
	LastAttempt time.Time `json:"last_attempt,omitempty"`

	FeaturedImage *Image  `json:"featured_image,omitempty"`
	Attachments   []Image `json:"attachments,omitempty"`
}

// HasAttempt reports whether a previous publish attempt was recorded.
func (e Event) HasAttempt() bool {
	return !e.LastAttempt.IsZero()
}
