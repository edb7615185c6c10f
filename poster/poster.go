// Package poster turns a published article into a Bluesky post. HandleEvent
// is the single entry point the host calls on every status change.
package poster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/eringen/skyposter/activitylog"
	"github.com/eringen/skyposter/article"
	"github.com/eringen/skyposter/atproto"
	"github.com/eringen/skyposter/compose"
	"github.com/eringen/skyposter/gate"
	"github.com/eringen/skyposter/grapheme"
	"github.com/eringen/skyposter/media"
	"github.com/eringen/skyposter/opengraph"
)

// ErrNotAuthenticated is returned when no session could be obtained.
var ErrNotAuthenticated = errors.New("poster: not authenticated with Bluesky")

// Config holds the posting rules.
type Config struct {
	PostType     string        // tracked content type (default "post")
	Cooldown     time.Duration // minimum gap between attempts (default 10s)
	MaxGraphemes int           // post length budget (default 300)
}

func (c *Config) setDefaults() {
	if c.PostType == "" {
		c.PostType = article.DefaultPostType
	}
	if c.Cooldown <= 0 {
		c.Cooldown = gate.DefaultCooldown
	}
	if c.MaxGraphemes <= 0 {
		c.MaxGraphemes = compose.DefaultBudget
	}
}

// MetaStore records per-article state owned by the poster.
type MetaStore interface {
	SetLastAttempt(postID int64, at time.Time) error
}

// RecordCreator submits records to the user's repository.
type RecordCreator interface {
	CreateRecord(ctx context.Context, token string, req atproto.CreateRecordRequest) (atproto.RecordRef, error)
}

// ImageUploader turns image URLs into blobs.
type ImageUploader interface {
	Upload(ctx context.Context, rawURL, token string) (*atproto.Blob, error)
	UploadImages(ctx context.Context, images []article.Image, token string) []atproto.ImageEmbed
}

// CardFetcher reads link card metadata for a page.
type CardFetcher interface {
	Fetch(ctx context.Context, pageURL string) (opengraph.Metadata, error)
}

// Deps are the collaborators a Poster needs.
type Deps struct {
	Sessions atproto.SessionProvider
	Records  RecordCreator
	Images   ImageUploader
	Cards    CardFetcher
	Meta     MetaStore
	Log      *activitylog.Log
}

// Poster runs the publish pipeline.
type Poster struct {
	cfg  Config
	deps Deps
	gate *gate.Gate

	measurer grapheme.Measurer
	zl       zerolog.Logger
	now      func() time.Time
}

// Option configures a Poster.
type Option func(*Poster)

// WithLogger sets the process logger.
func WithLogger(zl zerolog.Logger) Option { return func(p *Poster) { p.zl = zl } }

// WithClock sets the time source used for cooldowns and createdAt.
func WithClock(now func() time.Time) Option { return func(p *Poster) { p.now = now } }

// WithMeasurer overrides the grapheme measurer.
func WithMeasurer(m grapheme.Measurer) Option { return func(p *Poster) { p.measurer = m } }

// New returns a Poster.
func New(cfg Config, deps Deps, opts ...Option) *Poster {
	cfg.setDefaults()
	p := &Poster{
		cfg:      cfg,
		deps:     deps,
		measurer: grapheme.Default,
		zl:       zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.gate = &gate.Gate{PostType: cfg.PostType, Cooldown: cfg.Cooldown, Now: p.now}
	return p
}

// Result reports what HandleEvent did with an event.
type Result struct {
	PostID    int64      `json:"post_id"`
	State     gate.State `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	Attempted bool       `json:"attempted"`
	Published bool       `json:"published"`
	URI       string     `json:"uri,omitempty"`
	CID       string     `json:"cid,omitempty"`
	Err       error      `json:"-"`
}

// MarshalJSON adds the error message.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// HandleEvent evaluates ev and publishes it when eligible. Failures are
// logged and reported in the Result; it never panics.
func (p *Poster) HandleEvent(ctx context.Context, ev article.Event) (res Result) {
	res.PostID = ev.PostID
	defer func() {
		if r := recover(); r != nil {
			p.zl.Error().Int64("post_id", ev.PostID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic while posting")
			p.deps.Log.Logf("Unexpected failure while posting Post ID %d: %v", ev.PostID, r)
			res.Published = false
			res.Err = fmt.Errorf("poster: recovered: %v", r)
		}
	}()

	log := p.deps.Log
	if p.gate.Tracks(ev) {
		log.Logf("Post ID %d status transition: %s -> %s", ev.PostID, ev.OldStatus, ev.NewStatus)
	}

	d := p.gate.Evaluate(ev)
	res.State, res.Reason = d.State, d.Reason
	switch d.State {
	case gate.Ineligible:
		if p.gate.Tracks(ev) {
			log.Logf("Final decision: Posting is DISABLED (Opt-In model) for Post ID %d. Skipping.", ev.PostID)
		}
		return res
	case gate.CooldownBlocked:
		log.Logf("Skipping post ID %d: Called too soon (%d seconds since last attempt). This prevents duplicate posts.",
			ev.PostID, int(d.SinceLast.Seconds()))
		return res
	}

	if p.deps.Meta != nil {
		if err := p.deps.Meta.SetLastAttempt(ev.PostID, p.now()); err != nil {
			p.zl.Warn().Err(err).Int64("post_id", ev.PostID).Msg("Failed to record attempt time")
		}
	}
	log.Logf("Automatic posting is ENABLED (Opt-In), publishing Post ID %d", ev.PostID)

	res.Attempted = true
	ref, err := p.Publish(ctx, ev)
	if err != nil {
		res.Err = err
		return res
	}
	res.Published = true
	res.URI, res.CID = ref.URI, ref.CID
	return res
}

// Publish composes and submits the post for ev without any eligibility
// checks.
func (p *Poster) Publish(ctx context.Context, ev article.Event) (atproto.RecordRef, error) {
	log := p.deps.Log
	defer log.MaybeRotate()

	sess, err := atproto.Acquire(ctx, p.deps.Sessions, p.now())
	if err != nil {
		log.Logf("Posting skipped. Not authenticated with Bluesky.")
		p.zl.Warn().Err(err).Msg("Authentication failed")
		return atproto.RecordRef{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	post := compose.Compose(ev.Title, ev.Content, ev.Permalink, p.cfg.MaxGraphemes, p.measurer)
	if post.Truncation.Recut {
		log.Logf("Warning: post text for Post ID %d was hard-cut to %d characters.", ev.PostID, p.cfg.MaxGraphemes)
	}
	if len(post.Facets) == 0 && ev.Permalink != "" {
		log.Logf("Warning: permalink not found in post text; posting without a link.")
	}

	record := atproto.Post{
		Text:      post.Text,
		CreatedAt: atproto.FormatCreatedAt(p.now()),
		Facets:    post.Facets,
	}

	var embeds []atproto.ImageEmbed
	if images := media.Select(ev.FeaturedImage, ev.Attachments); len(images) > 0 && p.deps.Images != nil {
		log.Logf("Found %d images for Post ID %d. Attempting to upload.", len(images), ev.PostID)
		embeds = p.deps.Images.UploadImages(ctx, images, sess.AccessJWT)
	}
	if len(embeds) > 0 {
		record.Embed = atproto.ImagesEmbed{Images: embeds}
	} else if card := p.linkCard(ctx, ev, sess.AccessJWT); card != nil {
		record.Embed = *card
	}

	req := atproto.NewCreateRecordRequest(sess.DID, record)
	if body, err := json.Marshal(req); err == nil {
		log.Logf("Sending post to Bluesky API: %s", body)
	}

	ref, err := p.deps.Records.CreateRecord(ctx, sess.AccessJWT, req)
	if err != nil {
		var apiErr *atproto.APIError
		if errors.As(err, &apiErr) {
			log.Logf("Bluesky post failed. Status code: %d, Body: %s", apiErr.Status, apiErr.Body)
		} else {
			log.Logf("Bluesky post failed: %v", err)
		}
		p.zl.Error().Err(err).Int64("post_id", ev.PostID).Msg("Post submission failed")
		return atproto.RecordRef{}, err
	}
	log.Logf("Successfully posted to Bluesky. URI: %s", ref.URI)
	p.zl.Info().Int64("post_id", ev.PostID).Str("uri", ref.URI).Msg("Posted to Bluesky")
	return ref, nil
}

// linkCard builds an external embed from the permalink's OpenGraph tags,
// or returns nil when the page yields nothing.
func (p *Poster) linkCard(ctx context.Context, ev article.Event, token string) *atproto.ExternalEmbed {
	if p.deps.Cards == nil || ev.Permalink == "" {
		return nil
	}
	log := p.deps.Log
	log.Logf("Attempting to fetch OpenGraph data for %s", ev.Permalink)
	md, err := p.deps.Cards.Fetch(ctx, ev.Permalink)
	if err != nil {
		log.Logf("Failed to fetch OG data from URL %s: %v", ev.Permalink, err)
		return nil
	}
	if md.Empty() {
		return nil
	}

	card := &atproto.ExternalEmbed{External: atproto.External{
		URI:         ev.Permalink,
		Title:       md.Title,
		Description: md.Description,
	}}
	if card.External.Title == "" {
		card.External.Title = ev.Title
	}
	if md.Image != "" && p.deps.Images != nil {
		thumb, err := p.deps.Images.Upload(ctx, md.Image, token)
		if err != nil {
			log.Logf("Link card thumbnail skipped: %v", err)
		} else {
			card.External.Thumb = thumb
		}
	}
	return card
}
