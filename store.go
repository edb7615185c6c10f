package skyposter

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eringen/skyposter/article"
	"github.com/eringen/skyposter/atproto"
)

// Store wraps a SQLite database holding per-article state and settings.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and runs schema migrations.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL lets the webhook write while the dashboard reads; busy_timeout
	// makes writers wait instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS article_meta (
    post_id INTEGER PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    permalink TEXT NOT NULL DEFAULT '',
    opt_in INTEGER NOT NULL DEFAULT 0,
    last_attempt INTEGER NOT NULL DEFAULT 0,
    last_uri TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const metaColumns = `post_id, title, permalink, opt_in, last_attempt, last_uri, last_error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner) (ArticleMeta, error) {
	var m ArticleMeta
	var optIn int
	var lastAttempt, updatedAt int64
	if err := row.Scan(&m.PostID, &m.Title, &m.Permalink, &optIn, &lastAttempt, &m.LastURI, &m.LastError, &updatedAt); err != nil {
		return ArticleMeta{}, err
	}
	m.OptIn = optIn == 1
	m.LastAttempt = fromMillis(lastAttempt)
	m.UpdatedAt = fromMillis(updatedAt)
	return m, nil
}

// GetArticle returns the stored state for postID. An unknown article yields
// a zero ArticleMeta with that ID and no error.
func (s *Store) GetArticle(postID int64) (ArticleMeta, error) {
	m, err := scanMeta(s.db.QueryRow(`SELECT `+metaColumns+` FROM article_meta WHERE post_id = ?`, postID))
	if errors.Is(err, sql.ErrNoRows) {
		return ArticleMeta{PostID: postID}, nil
	}
	return m, err
}

// RecentArticles returns up to n articles, most recently updated first.
func (s *Store) RecentArticles(n int) ([]ArticleMeta, error) {
	rows, err := s.db.Query(`SELECT `+metaColumns+` FROM article_meta ORDER BY updated_at DESC, post_id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArticleMeta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchArticle records the title and permalink seen in an event.
func (s *Store) TouchArticle(ev article.Event) error {
	_, err := s.db.Exec(`
INSERT INTO article_meta (post_id, title, permalink, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(post_id) DO UPDATE SET title = excluded.title, permalink = excluded.permalink, updated_at = excluded.updated_at`,
		ev.PostID, ev.Title, ev.Permalink, time.Now().UnixMilli())
	return err
}

// SetOptIn stores the per-article opt-in flag.
func (s *Store) SetOptIn(postID int64, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := s.db.Exec(`
INSERT INTO article_meta (post_id, opt_in, updated_at) VALUES (?, ?, ?)
ON CONFLICT(post_id) DO UPDATE SET opt_in = excluded.opt_in, updated_at = excluded.updated_at`,
		postID, v, time.Now().UnixMilli())
	return err
}

// SetLastAttempt stamps the time of a publish attempt.
func (s *Store) SetLastAttempt(postID int64, at time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO article_meta (post_id, last_attempt, updated_at) VALUES (?, ?, ?)
ON CONFLICT(post_id) DO UPDATE SET last_attempt = excluded.last_attempt, updated_at = excluded.updated_at`,
		postID, toMillis(at), time.Now().UnixMilli())
	return err
}

// RecordOutcome stores the result of the last attempt.
func (s *Store) RecordOutcome(postID int64, uri, errMsg string) error {
	_, err := s.db.Exec(`UPDATE article_meta SET last_uri = ?, last_error = ? WHERE post_id = ?`, uri, errMsg, postID)
	return err
}

// Setting returns the value stored under key, or "" if unset.
func (s *Store) Setting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return err
}

// LoggingEnabled reports the stored activity log switch.
func (s *Store) LoggingEnabled() (bool, error) {
	v, err := s.Setting(settingLogging)
	return v == "1", err
}

// SetLoggingEnabled stores the activity log switch.
func (s *Store) SetLoggingEnabled(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return s.SetSetting(settingLogging, v)
}

type storedSession struct {
	AccessJWT string    `json:"accessJwt"`
	DID       string    `json:"did"`
	Handle    string    `json:"handle"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LoadSession returns the persisted Bluesky session.
func (s *Store) LoadSession() (atproto.Session, bool, error) {
	v, err := s.Setting(settingSession)
	if err != nil || v == "" {
		return atproto.Session{}, false, err
	}
	var ss storedSession
	if err := json.Unmarshal([]byte(v), &ss); err != nil {
		return atproto.Session{}, false, err
	}
	return atproto.Session{AccessJWT: ss.AccessJWT, DID: ss.DID, Handle: ss.Handle, ExpiresAt: ss.ExpiresAt}, ss.AccessJWT != "", nil
}

// SaveSession persists sess; a zero session clears it.
func (s *Store) SaveSession(sess atproto.Session) error {
	if sess.AccessJWT == "" {
		_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, settingSession)
		return err
	}
	b, err := json.Marshal(storedSession{AccessJWT: sess.AccessJWT, DID: sess.DID, Handle: sess.Handle, ExpiresAt: sess.ExpiresAt})
	if err != nil {
		return err
	}
	return s.SetSetting(settingSession, string(b))
}
