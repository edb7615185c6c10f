// Package skyposter posts published articles to Bluesky. It receives
// status-change events from the content system over a webhook, runs them
// through the poster pipeline, and serves a small admin UI for per-article
// opt-in, the activity log and connection checks.
//
// The admin pages are provided as templ components via the ViewFuncs struct;
// the views package supplies defaults.
package skyposter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eringen/skyposter/activitylog"
	"github.com/eringen/skyposter/article"
	"github.com/eringen/skyposter/atproto"
	"github.com/eringen/skyposter/fetch"
	"github.com/eringen/skyposter/media"
	"github.com/eringen/skyposter/opengraph"
	"github.com/eringen/skyposter/poster"
	"github.com/eringen/skyposter/views"
)

// ViewFuncs holds the templ components the admin handlers render.
type ViewFuncs struct {
	AdminLogin     func(showError bool, csrfToken string) templ.Component
	AdminDashboard func(d views.Dashboard) templ.Component
	AdminLog       func(p views.LogPage) templ.Component
	NotFound       func() templ.Component
	ServerError    func() templ.Component
}

// DefaultViews returns the built-in admin pages.
func DefaultViews() ViewFuncs {
	return ViewFuncs{
		AdminLogin:     views.AdminLogin,
		AdminDashboard: views.AdminDashboard,
		AdminLog:       views.AdminLog,
		NotFound:       views.NotFound,
		ServerError:    views.ServerError,
	}
}

// App wires the store, the activity log, the Bluesky client and the poster
// to the HTTP surface.
type App struct {
	Config Config
	Echo   *echo.Echo
	Store  *Store
	Views  ViewFuncs
	Logger zerolog.Logger

	Log    *activitylog.Log
	Auth   *atproto.PasswordAuth
	Poster *poster.Poster

	loginLimiter *RateLimiter
	hookLimiter  *RateLimiter
	posts        postLocks
	customRoutes []func(*App)
}

// New creates an App for cfg. Call Open (or Start) before use.
func New(cfg Config, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config: cfg,
		Echo:   echo.New(),
		Views:  DefaultViews(),
		Logger: zerolog.Nop(),
	}
	a.Echo.HideBanner = true
	a.Echo.HidePort = true

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open initializes the store, the activity log and the posting pipeline.
// The CLI calls it directly for one-off commands; Start calls it before
// serving.
func (a *App) Open() error {
	if a.Poster != nil {
		return nil
	}
	store, err := NewStore(a.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("skyposter: init store: %w", err)
	}

	a.Log = activitylog.New(a.Config.LogPath,
		activitylog.WithCap(a.Config.LogCap),
		activitylog.WithLogger(a.Logger),
	)
	enabled, err := store.LoggingEnabled()
	if err != nil {
		store.Close()
		return fmt.Errorf("skyposter: read logging setting: %w", err)
	}
	a.Log.SetEnabled(enabled)

	base, err := url.Parse(a.Config.SiteURL)
	if err != nil {
		store.Close()
		return fmt.Errorf("skyposter: site url: %w", err)
	}
	a.Store = store

	client := atproto.NewClient(a.Config.PDSHost, &http.Client{Timeout: a.Config.SubmitTimeout})
	a.Auth = atproto.NewPasswordAuth(client, a.Config.Identifier, a.Config.AppPassword, store)

	fetcher := fetch.New(fetch.Options{
		Timeout:      a.Config.FetchTimeout,
		BlockPrivate: a.Config.BlockPrivate,
		BrowserTLS:   a.Config.BrowserTLS,
	})

	a.Poster = poster.New(
		poster.Config{
			PostType:     a.Config.PostType,
			Cooldown:     a.Config.Cooldown,
			MaxGraphemes: a.Config.MaxGraphemes,
		},
		poster.Deps{
			Sessions: a.Auth,
			Records:  client,
			Images:   &media.Uploader{Fetcher: fetcher, Blobs: client, Base: base, Log: a.Log},
			Cards:    &opengraph.Fetcher{HTTP: fetcher, Log: a.Log},
			Meta:     store,
			Log:      a.Log,
		},
		poster.WithLogger(a.Logger),
	)
	return nil
}

// Handler sets up middleware and routes and returns the Echo instance as an
// http.Handler. Start serves it; tests drive it with httptest.
func (a *App) Handler() (http.Handler, error) {
	if a.Config.AdminPassword == "" {
		return nil, fmt.Errorf("skyposter: AdminPassword is required")
	}
	if a.Config.SessionSecret == "" {
		return nil, fmt.Errorf("skyposter: SessionSecret is required")
	}
	if err := a.Open(); err != nil {
		return nil, err
	}

	a.loginLimiter = NewRateLimiter(5, time.Minute)
	a.hookLimiter = NewRateLimiter(60, time.Minute)

	a.setupMiddleware()
	a.setupRoutes()
	for _, fn := range a.customRoutes {
		fn(a)
	}
	return a.Echo, nil
}

// Start initializes everything and serves until the server is shut down.
func (a *App) Start() error {
	if _, err := a.Handler(); err != nil {
		return err
	}
	a.Logger.Info().Str("addr", a.Config.Addr).Msg("Starting server")
	if err := a.Echo.Start(a.Config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Echo.Shutdown(ctx)
}

func (a *App) setupRoutes() {
	e := a.Echo

	assets, _ := fs.Sub(EmbeddedAssets, "embedded")
	e.GET("/public/admin.css", echo.WrapHandler(http.StripPrefix("/public/", http.FileServer(http.FS(assets)))))

	e.GET("/healthz", handleHealth)
	e.POST("/api/events", a.handleEvent)

	e.GET("/admin/", a.handleAdmin)
	e.POST("/admin/login/", a.handleAdminLogin)
	e.POST("/admin/logout/", handleAdminLogout)

	admin := e.Group("/admin", requireAdmin)
	admin.POST("/logging/", a.handleLoggingToggle)
	admin.POST("/connection/", a.handleTestConnection)
	admin.POST("/articles/:id/optin/", a.handleOptIn)
	admin.GET("/log/", a.handleLogPage)
	admin.GET("/log/download/", a.handleLogDownload)
	admin.POST("/log/clear/", a.handleLogClear)
}

// Dispatch runs one event through the pipeline with the host-owned state
// filled in from the store: the persisted opt-in flag and the last attempt
// time. A submitted form opt-in is persisted after evaluation, the way a
// settings form is saved after the status change it accompanies. Events for
// the same post are handled one at a time so the cooldown sees the previous
// attempt.
func (a *App) Dispatch(ctx context.Context, ev article.Event) (poster.Result, error) {
	if err := a.Open(); err != nil {
		return poster.Result{}, err
	}
	unlock := a.posts.lock(ev.PostID)
	defer unlock()

	meta, err := a.Store.GetArticle(ev.PostID)
	if err != nil {
		return poster.Result{}, fmt.Errorf("skyposter: load article %d: %w", ev.PostID, err)
	}
	ev.OptIn = meta.OptIn
	ev.LastAttempt = meta.LastAttempt
	if err := a.Store.TouchArticle(ev); err != nil {
		return poster.Result{}, fmt.Errorf("skyposter: record article %d: %w", ev.PostID, err)
	}

	res := a.Poster.HandleEvent(ctx, ev)

	if res.Attempted {
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if err := a.Store.RecordOutcome(ev.PostID, res.URI, msg); err != nil {
			a.Logger.Warn().Err(err).Int64("post_id", ev.PostID).Msg("Failed to record outcome")
		}
	}
	if ev.FormOptIn != nil {
		if err := a.setOptIn(ev.PostID, *ev.FormOptIn); err != nil {
			a.Logger.Warn().Err(err).Int64("post_id", ev.PostID).Msg("Failed to save opt-in")
			a.Log.Logf("Failed to save Bluesky posting setting for Post ID %d: %v", ev.PostID, err)
		}
	}
	return res, nil
}

func (a *App) setOptIn(postID int64, on bool) error {
	if err := a.Store.SetOptIn(postID, on); err != nil {
		return fmt.Errorf("skyposter: save opt-in for %d: %w", postID, err)
	}
	state := "DISABLED"
	if on {
		state = "ENABLED"
	}
	a.Log.Logf("Post ID %d: Bluesky posting set to %s", postID, state)
	return nil
}

// Close cleans up resources. Call this when the app is shutting down.
func (a *App) Close() error {
	if a.loginLimiter != nil {
		a.loginLimiter.Stop()
	}
	if a.hookLimiter != nil {
		a.hookLimiter.Stop()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
