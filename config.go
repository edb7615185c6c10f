package skyposter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a skyposter instance.
type Config struct {
	SiteURL string `yaml:"site_url"` // Base for relative image URLs (default "http://localhost:3000")
	Addr    string `yaml:"addr"`     // Listen address (default ":3000")

	DatabasePath string `yaml:"database_path"` // SQLite path (default "data/skyposter.db")
	LogPath      string `yaml:"log_path"`      // Activity log file (default "data/bluesky_poster.log")
	LogCap       int64  `yaml:"log_cap"`       // Activity log rotation threshold in bytes (default 4 MiB)

	PDSHost     string `yaml:"pds_host"`     // default "https://bsky.social"
	Identifier  string `yaml:"identifier"`   // Handle, email or DID
	AppPassword string `yaml:"app_password"` // Bluesky app password

	PostType     string        `yaml:"post_type"`     // Tracked content type (default "post")
	Cooldown     time.Duration `yaml:"cooldown"`      // default 10s
	MaxGraphemes int           `yaml:"max_graphemes"` // default 300

	FetchTimeout  time.Duration `yaml:"fetch_timeout"`  // Image and page fetches (default 10s)
	SubmitTimeout time.Duration `yaml:"submit_timeout"` // Blob upload and record creation (default 30s)
	BlockPrivate  bool          `yaml:"block_private"`  // Refuse fetches to private addresses
	BrowserTLS    bool          `yaml:"browser_tls"`    // Present a browser TLS fingerprint on fetches

	HookToken     string `yaml:"hook_token"`     // Bearer token for POST /api/events/
	AdminPassword string `yaml:"admin_password"` // Required for serve: admin login password
	SessionSecret string `yaml:"session_secret"` // Required for serve: session encryption secret
	CookieSecure  bool   `yaml:"cookie_secure"`  // Set true for HTTPS

	LogFile  string `yaml:"log_file"`  // Optional process log file, rotated by size
	LogLevel string `yaml:"log_level"` // zerolog level (default "info")
}

func (c *Config) setDefaults() {
	if c.SiteURL == "" {
		c.SiteURL = "http://localhost:3000"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "data/skyposter.db"
	}
	if c.LogPath == "" {
		c.LogPath = "data/bluesky_poster.log"
	}
	if c.LogCap <= 0 {
		c.LogCap = 4 << 20
	}
	if c.PDSHost == "" {
		c.PDSHost = "https://bsky.social"
	}
	if c.PostType == "" {
		c.PostType = "post"
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.MaxGraphemes <= 0 {
		c.MaxGraphemes = 300
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// LoadConfig reads the YAML file at path, if it exists, and applies
// SKYPOSTER_* environment overrides on top.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("skyposter: read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("skyposter: parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.SiteURL = EnvOr("SKYPOSTER_SITE_URL", c.SiteURL)
	c.Addr = EnvOr("SKYPOSTER_ADDR", c.Addr)
	c.DatabasePath = EnvOr("SKYPOSTER_DATABASE_PATH", c.DatabasePath)
	c.LogPath = EnvOr("SKYPOSTER_LOG_PATH", c.LogPath)
	c.PDSHost = EnvOr("SKYPOSTER_PDS_HOST", c.PDSHost)
	c.Identifier = EnvOr("SKYPOSTER_IDENTIFIER", c.Identifier)
	c.AppPassword = EnvOr("SKYPOSTER_APP_PASSWORD", c.AppPassword)
	c.PostType = EnvOr("SKYPOSTER_POST_TYPE", c.PostType)
	c.HookToken = EnvOr("SKYPOSTER_HOOK_TOKEN", c.HookToken)
	c.AdminPassword = EnvOr("SKYPOSTER_ADMIN_PASSWORD", c.AdminPassword)
	c.SessionSecret = EnvOr("SKYPOSTER_SESSION_SECRET", c.SessionSecret)
	c.LogFile = EnvOr("SKYPOSTER_LOG_FILE", c.LogFile)
	c.LogLevel = EnvOr("SKYPOSTER_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("SKYPOSTER_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("skyposter: SKYPOSTER_COOLDOWN: %w", err)
		}
		c.Cooldown = d
	}
	for key, dst := range map[string]*bool{
		"SKYPOSTER_COOKIE_SECURE": &c.CookieSecure,
		"SKYPOSTER_BLOCK_PRIVATE": &c.BlockPrivate,
		"SKYPOSTER_BROWSER_TLS":   &c.BrowserTLS,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("skyposter: %s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Option configures additional App behavior.
type Option func(*App)

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback receives the App before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}

// WithLogger sets the process logger.
func WithLogger(zl zerolog.Logger) Option {
	return func(a *App) {
		a.Logger = zl
	}
}

// WithViews replaces the admin page templates.
func WithViews(v ViewFuncs) Option {
	return func(a *App) {
		a.Views = v
	}
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
