package views

// Article is one row of the dashboard's article list.
type Article struct {
	PostID      int64
	Title       string
	Permalink   string
	OptIn       bool
	LastAttempt string // formatted; empty if never attempted
	LastURI     string
	LastError   string
}

// Dashboard carries everything the admin dashboard shows.
type Dashboard struct {
	Identifier     string
	PDSHost        string
	HasPassword    bool
	SessionHandle  string // empty when no session is cached
	LoggingEnabled bool
	Articles       []Article
	Message        string
	CSRFToken      string
}

// LogPage carries the activity log view.
type LogPage struct {
	Content   string
	Size      string
	Cap       string
	Enabled   bool
	Message   string
	CSRFToken string
}
