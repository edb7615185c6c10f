// Package gate decides whether a status change should produce a post.
package gate

import (
	"fmt"
	"time"

	"github.com/eringen/skyposter/article"
)

// DefaultCooldown is the minimum time between two attempts for one article.
const DefaultCooldown = 10 * time.Second

// State is the outcome of evaluating an event.
type State int

const (
	Ineligible State = iota
	CooldownBlocked
	Eligible
)

func (s State) String() string {
	switch s {
	case Ineligible:
		return "ineligible"
	case CooldownBlocked:
		return "cooldown"
	case Eligible:
		return "eligible"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Decision is the result of Evaluate.
type Decision struct {
	State  State
	Reason string
	// SinceLast is the time elapsed since the previous attempt, if any.
	SinceLast time.Duration
}

// Gate holds the eligibility rules.
type Gate struct {
	PostType string
	Cooldown time.Duration
	Now      func() time.Time
}

// New returns a Gate for the default post type and cooldown.
func New() *Gate {
	return &Gate{PostType: article.DefaultPostType, Cooldown: DefaultCooldown, Now: time.Now}
}

// OptedIn resolves the effective opt-in for ev. On updates to an already
// published article a submitted form value takes precedence over the
// stored flag.
func OptedIn(ev article.Event) bool {
	if ev.OldStatus == article.StatusPublished && ev.FormOptIn != nil {
		return *ev.FormOptIn
	}
	return ev.OptIn
}

func (g *Gate) postType() string {
	if g.PostType == "" {
		return article.DefaultPostType
	}
	return g.PostType
}

// Tracks reports whether ev is a non-autosave publish of the tracked post
// type, the events worth recording in the activity log.
func (g *Gate) Tracks(ev article.Event) bool {
	return ev.PostType == g.postType() && ev.NewStatus == article.StatusPublished && !ev.Autosave
}

// Evaluate applies the rules in order: post type, publish transition,
// autosave, opt-in, then cooldown.
func (g *Gate) Evaluate(ev article.Event) Decision {
	switch {
	case ev.PostType != g.postType():
		return Decision{State: Ineligible, Reason: fmt.Sprintf("post type %q is not tracked", ev.PostType)}
	case ev.NewStatus != article.StatusPublished:
		return Decision{State: Ineligible, Reason: fmt.Sprintf("status %q is not published", ev.NewStatus)}
	case ev.Autosave:
		return Decision{State: Ineligible, Reason: "autosave"}
	case !OptedIn(ev):
		return Decision{State: Ineligible, Reason: "not opted in"}
	}

	if !ev.HasAttempt() {
		return Decision{State: Eligible}
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	since := now().Sub(ev.LastAttempt)
	cooldown := g.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if since < cooldown {
		return Decision{
			State:     CooldownBlocked,
			Reason:    fmt.Sprintf("last attempt %s ago", since.Round(time.Millisecond)),
			SinceLast: since,
		}
	}
	return Decision{State: Eligible, SinceLast: since}
}
