package atproto

import (
	"bytes"
	"encoding/json"
	"time"
)

// Lexicon identifiers used by the post record.
const (
	CollectionPost    = "app.bsky.feed.post"
	TypeImagesEmbed   = "app.bsky.embed.images"
	TypeExternalEmbed = "app.bsky.embed.external"
	TypeLinkFeature   = "app.bsky.richtext.facet#link"
	TypeBlob          = "blob"
)

// MaxImages is the number of images an images embed may carry.
const MaxImages = 4

// createdAtLayout is ISO-8601 UTC with millisecond precision.
const createdAtLayout = "2006-01-02T15:04:05.000Z"

// FormatCreatedAt renders t the way record timestamps are expected.
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(createdAtLayout)
}

// Typed is a record or object that carries a lexicon "$type".
type Typed interface {
	Type() string
}

// withType marshals v and injects "$type" as its first key.
func withType(typ string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	inject, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"$type":`)
	buf.Write(inject)
	body := bytes.TrimSpace(b[1:])
	if len(body) > 1 {
		buf.WriteByte(',')
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Post is an app.bsky.feed.post record.
type Post struct {
	Text      string  `json:"text"`
	CreatedAt string  `json:"createdAt"`
	Facets    []Facet `json:"facets"`
	Embed     Embed   `json:"embed,omitempty"`
}

func (Post) Type() string { return CollectionPost }

func (p Post) MarshalJSON() ([]byte, error) {
	type plain Post
	if p.Facets == nil {
		p.Facets = []Facet{}
	}
	return withType(p.Type(), plain(p))
}

// ByteSlice addresses a range of UTF-8 bytes in the post text.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// Facet annotates a byte range of the text with rich-text features.
type Facet struct {
	Index    ByteSlice     `json:"index"`
	Features []LinkFeature `json:"features"`
}

// LinkFeature turns a facet into a hyperlink.
type LinkFeature struct {
	URI string `json:"uri"`
}

func (LinkFeature) Type() string { return TypeLinkFeature }

func (f LinkFeature) MarshalJSON() ([]byte, error) {
	type plain LinkFeature
	return withType(f.Type(), plain(f))
}

// Embed is the media attached to a post: images or an external link card.
type Embed interface {
	Typed
	embed()
}

// ImagesEmbed attaches up to MaxImages uploaded images.
type ImagesEmbed struct {
	Images []ImageEmbed `json:"images"`
}

func (ImagesEmbed) Type() string { return TypeImagesEmbed }
func (ImagesEmbed) embed()       {}

func (e ImagesEmbed) MarshalJSON() ([]byte, error) {
	type plain ImagesEmbed
	return withType(e.Type(), plain(e))
}

// ImageEmbed is one image of an ImagesEmbed.
type ImageEmbed struct {
	Alt   string `json:"alt"`
	Image *Blob  `json:"image"`
}

// ExternalEmbed attaches a link preview card.
type ExternalEmbed struct {
	External External `json:"external"`
}

func (ExternalEmbed) Type() string { return TypeExternalEmbed }
func (ExternalEmbed) embed()       {}

func (e ExternalEmbed) MarshalJSON() ([]byte, error) {
	type plain ExternalEmbed
	return withType(e.Type(), plain(e))
}

// External describes the linked page of a card.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumb       *Blob  `json:"thumb,omitempty"`
}

// Blob is the reference the server returns for uploaded content. It is
// opaque: it marshals back exactly as it was received.
type Blob struct {
	MimeType string
	Size     int64
	Ref      string

	raw json.RawMessage
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	var aux struct {
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size"`
		Ref      struct {
			Link string `json:"$link"`
		} `json:"ref"`
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	b.MimeType = aux.MimeType
	b.Size = aux.Size
	b.Ref = aux.Ref.Link
	if b.Ref == "" {
		b.Ref = aux.CID
	}
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b Blob) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	return json.Marshal(map[string]any{
		"$type":    TypeBlob,
		"ref":      map[string]string{"$link": b.Ref},
		"mimeType": b.MimeType,
		"size":     b.Size,
	})
}
