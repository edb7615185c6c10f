package skyposter

import "time"

// ArticleMeta is what the store keeps per article: the opt-in flag, the
// last publish attempt and its outcome.
type ArticleMeta struct {
	PostID      int64
	Title       string
	Permalink   string
	OptIn       bool
	LastAttempt time.Time // zero if never attempted
	LastURI     string
	LastError   string
	UpdatedAt   time.Time
}

// Settings keys.
const (
	settingLogging = "logging_enabled"
	settingSession = "session"
)
