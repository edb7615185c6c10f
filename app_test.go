package skyposter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eringen/skyposter/activitylog"
	"github.com/eringen/skyposter/article"
)

const (
	testHookToken = "hook-secret"
	testPassword  = "admin-pass"
)

// fakePDS serves the Bluesky endpoints the pipeline calls.
type fakePDS struct {
	srv *httptest.Server

	mu      sync.Mutex
	records []map[string]any
}

func newFakePDS(t *testing.T) *fakePDS {
	t.Helper()
	p := &fakePDS{}
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accessJwt":"access-token","refreshJwt":"r","handle":"me.test","did":"did:plc:me"}`))
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode createRecord body: %v", err)
		}
		p.mu.Lock()
		p.records = append(p.records, body)
		p.mu.Unlock()
		w.Write([]byte(`{"uri":"at://did:plc:me/app.bsky.feed.post/3kabc","cid":"bafyrecord"}`))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePDS) recordCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type testEnv struct {
	app    *App
	pds    *fakePDS
	srv    *httptest.Server
	client *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pds := newFakePDS(t)
	dir := t.TempDir()
	app := New(Config{
		SiteURL:       pds.srv.URL,
		DatabasePath:  filepath.Join(dir, "skyposter.db"),
		LogPath:       filepath.Join(dir, "activity.log"),
		PDSHost:       pds.srv.URL,
		Identifier:    "me.test",
		AppPassword:   "app-password",
		HookToken:     testHookToken,
		AdminPassword: testPassword,
		SessionSecret: "0123456789abcdef0123456789abcdef",
	})
	h, err := app.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	app.Log.SetEnabled(true)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	jar, _ := cookiejar.New(nil)
	return &testEnv{app: app, pds: pds, srv: srv, client: &http.Client{Jar: jar}}
}

type eventReply struct {
	State     string `json:"state"`
	Attempted bool   `json:"attempted"`
	Published bool   `json:"published"`
	URI       string `json:"uri"`
	Error     string `json:"error"`
}

func (e *testEnv) postEvent(t *testing.T, token, body string) (int, eventReply) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("POST /api/events: %v", err)
	}
	defer resp.Body.Close()
	var out eventReply
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
	}
	return resp.StatusCode, out
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// csrf returns the CSRF token from the cookie set by a previous GET.
func (e *testEnv) csrf(t *testing.T) string {
	t.Helper()
	u, _ := url.Parse(e.srv.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == "_csrf" {
			return c.Value
		}
	}
	t.Fatal("no _csrf cookie")
	return ""
}

func (e *testEnv) postForm(t *testing.T, path string, vals url.Values) (*http.Response, string) {
	t.Helper()
	if vals == nil {
		vals = url.Values{}
	}
	vals.Set("_csrf", e.csrf(t))
	resp, err := e.client.PostForm(e.srv.URL+path, vals)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	e.get(t, "/admin/")
	resp, body := e.postForm(t, "/admin/login/", url.Values{"password": {testPassword}})
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Bluesky connection") {
		t.Fatalf("login: status %d, body %q", resp.StatusCode, body)
	}
}

func (e *testEnv) logText(t *testing.T) string {
	t.Helper()
	data, err := e.app.Log.Read()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

// event builds a webhook body. The permalink points at the fake server,
// which has no page there, so no link card is attached.
func (e *testEnv) event(t *testing.T, id int64, oldStatus string, formOptIn *bool) string {
	t.Helper()
	b, err := json.Marshal(article.Event{
		PostID:    id,
		PostType:  "post",
		OldStatus: oldStatus,
		NewStatus: article.StatusPublished,
		Title:     "Hello",
		Content:   "<p>World.</p>",
		Permalink: e.permalink(id),
		FormOptIn: formOptIn,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func (e *testEnv) permalink(id int64) string {
	return fmt.Sprintf("%s/p/%d", e.pds.srv.URL, id)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok" {
		t.Errorf("GET /healthz = %d %q", resp.StatusCode, body)
	}
}

func TestHandlerRequiresSecrets(t *testing.T) {
	dir := t.TempDir()
	app := New(Config{DatabasePath: filepath.Join(dir, "x.db"), SessionSecret: "s"})
	if _, err := app.Handler(); err == nil {
		t.Error("expected error without AdminPassword")
	}
	app = New(Config{DatabasePath: filepath.Join(dir, "x.db"), AdminPassword: "p"})
	if _, err := app.Handler(); err == nil {
		t.Error("expected error without SessionSecret")
	}
}

func TestEventAuth(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testHookToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := e.postEvent(t, tt.token, e.event(t, 5, "draft", nil))
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestEventWebhookClosedWithoutToken(t *testing.T) {
	e := newTestEnv(t)
	e.app.Config.HookToken = ""
	code, _ := e.postEvent(t, "", e.event(t, 5, "draft", nil))
	if code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
}

func TestEventBadRequest(t *testing.T) {
	e := newTestEnv(t)
	for _, body := range []string{`not json`, `{"post_id":0}`} {
		if code, _ := e.postEvent(t, testHookToken, body); code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, code)
		}
	}
}

func TestEventNotOptedIn(t *testing.T) {
	e := newTestEnv(t)
	code, reply := e.postEvent(t, testHookToken, e.event(t, 5, "draft", nil))
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if reply.State != "ineligible" || reply.Attempted {
		t.Errorf("reply = %+v, want ineligible without attempt", reply)
	}
	if n := e.pds.recordCount(); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
	meta, _ := e.app.Store.GetArticle(5)
	if meta.Title != "Hello" {
		t.Errorf("article not recorded: %+v", meta)
	}
	if !strings.Contains(e.logText(t), "Posting is DISABLED (Opt-In model) for Post ID 5") {
		t.Errorf("log missing disabled decision:\n%s", e.logText(t))
	}
}

func TestEventPublishesThenCoolsDown(t *testing.T) {
	e := newTestEnv(t)
	if err := e.app.Store.SetOptIn(5, true); err != nil {
		t.Fatal(err)
	}

	ev := e.event(t, 5, "draft", nil)
	code, reply := e.postEvent(t, testHookToken, ev)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if reply.State != "eligible" || !reply.Published || reply.URI != "at://did:plc:me/app.bsky.feed.post/3kabc" {
		t.Fatalf("reply = %+v", reply)
	}
	if n := e.pds.recordCount(); n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	rec := e.pds.records[0]["record"].(map[string]any)
	if got := rec["text"]; got != "Hello\n\nWorld.\n\n"+e.permalink(5) {
		t.Errorf("text = %q", got)
	}

	meta, _ := e.app.Store.GetArticle(5)
	if meta.LastAttempt.IsZero() || meta.LastURI != reply.URI || meta.LastError != "" {
		t.Errorf("stored outcome = %+v", meta)
	}

	code, reply = e.postEvent(t, testHookToken, ev)
	if code != http.StatusOK || reply.State != "cooldown" || reply.Attempted {
		t.Errorf("second event = %d %+v, want cooldown", code, reply)
	}
	if n := e.pds.recordCount(); n != 1 {
		t.Errorf("records = %d after cooldown, want 1", n)
	}
}

func TestEventFormOptIn(t *testing.T) {
	e := newTestEnv(t)
	on := true
	code, reply := e.postEvent(t, testHookToken, e.event(t, 8, article.StatusPublished, &on))
	if code != http.StatusOK || !reply.Published {
		t.Fatalf("reply = %d %+v, want published", code, reply)
	}
	meta, _ := e.app.Store.GetArticle(8)
	if !meta.OptIn {
		t.Error("form opt-in not persisted")
	}
	if !strings.Contains(e.logText(t), "Post ID 8: Bluesky posting set to ENABLED") {
		t.Errorf("log missing opt-in line:\n%s", e.logText(t))
	}
}

func TestEventsForSamePostRespectCooldown(t *testing.T) {
	e := newTestEnv(t)
	if err := e.app.Store.SetOptIn(6, true); err != nil {
		t.Fatal(err)
	}
	body := e.event(t, 6, "draft", nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/events", strings.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+testHookToken)
			resp, err := e.client.Do(req)
			if err != nil {
				t.Errorf("POST /api/events: %v", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	if n := e.pds.recordCount(); n != 1 {
		t.Errorf("records = %d for concurrent events, want 1", n)
	}
}

func TestEventOptInSaveFailureKeepsResult(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.app.Store.db.Exec(`CREATE TRIGGER optin_locked BEFORE UPDATE OF opt_in ON article_meta
		BEGIN SELECT RAISE(ABORT, 'opt_in is locked'); END`); err != nil {
		t.Fatal(err)
	}

	on := true
	code, reply := e.postEvent(t, testHookToken, e.event(t, 8, article.StatusPublished, &on))
	if code != http.StatusOK || !reply.Published {
		t.Fatalf("reply = %d %+v, want published", code, reply)
	}
	meta, _ := e.app.Store.GetArticle(8)
	if meta.LastURI != reply.URI {
		t.Errorf("LastURI = %q, want %q", meta.LastURI, reply.URI)
	}
	if meta.OptIn {
		t.Error("opt-in saved despite the failing update")
	}
	if !strings.Contains(e.logText(t), "Failed to save Bluesky posting setting for Post ID 8") {
		t.Errorf("log missing save failure:\n%s", e.logText(t))
	}
}

func TestAdminLogin(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.get(t, "/admin/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `name="password"`) {
		t.Fatalf("GET /admin/ = %d, want login form", resp.StatusCode)
	}

	resp, body = e.postForm(t, "/admin/login/", url.Values{"password": {"wrong"}})
	if resp.StatusCode != http.StatusUnauthorized || !strings.Contains(body, "Invalid password") {
		t.Errorf("bad login = %d", resp.StatusCode)
	}

	e.login(t)
	resp, body = e.get(t, "/admin/")
	if !strings.Contains(body, "me.test") {
		t.Errorf("dashboard missing identifier: %d", resp.StatusCode)
	}
}

func TestAdminRequiresLogin(t *testing.T) {
	e := newTestEnv(t)
	e.app.Log.Logf("keep me")

	e.get(t, "/admin/")
	_, body := e.postForm(t, "/admin/log/clear/", nil)
	if !strings.Contains(body, `name="password"`) {
		t.Error("expected redirect to the login form")
	}
	if !strings.Contains(e.logText(t), "keep me") {
		t.Error("log cleared without a session")
	}
}

func TestAdminCSRF(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	resp, err := e.client.PostForm(e.srv.URL+"/admin/log/clear/", url.Values{})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without token", resp.StatusCode)
	}
}

func TestAdminOptInToggle(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	resp, body := e.postForm(t, "/admin/articles/12/optin/", url.Values{"enabled": {"1"}})
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Saved.") {
		t.Fatalf("toggle = %d", resp.StatusCode)
	}
	meta, _ := e.app.Store.GetArticle(12)
	if !meta.OptIn {
		t.Error("opt-in not stored")
	}
	if !strings.Contains(body, "Enabled</button>") {
		t.Error("dashboard does not show the article as enabled")
	}

	e.postForm(t, "/admin/articles/12/optin/", url.Values{"enabled": {"0"}})
	meta, _ = e.app.Store.GetArticle(12)
	if meta.OptIn {
		t.Error("opt-in still set after disabling")
	}
	log := e.logText(t)
	for _, want := range []string{"Post ID 12: Bluesky posting set to ENABLED", "Post ID 12: Bluesky posting set to DISABLED"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q", want)
		}
	}

	resp, _ = e.postForm(t, "/admin/articles/abc/optin/", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminLoggingToggle(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	e.postForm(t, "/admin/logging/", nil)
	if e.app.Log.Enabled() {
		t.Fatal("logging still enabled after toggle")
	}
	if on, _ := e.app.Store.LoggingEnabled(); on {
		t.Error("stored setting still enabled")
	}

	_, body := e.postForm(t, "/admin/logging/", nil)
	if !e.app.Log.Enabled() {
		t.Fatal("logging not re-enabled")
	}
	if on, _ := e.app.Store.LoggingEnabled(); !on {
		t.Error("stored setting not enabled")
	}
	if !strings.Contains(body, "Logging enabled.") {
		t.Error("missing confirmation message")
	}
}

func TestAdminLogPages(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)
	e.app.Log.Logf("first <entry>")

	resp, body := e.get(t, "/admin/log/")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "first &lt;entry&gt;") {
		t.Fatalf("log page = %d, missing escaped entry", resp.StatusCode)
	}
	if !strings.Contains(body, activitylog.HumanSize(e.app.Log.Cap())) {
		t.Error("log page does not show the cap")
	}

	resp, body = e.get(t, "/admin/log/download/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, activitylog.ExportFilename) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.Contains(body, "first <entry>") {
		t.Errorf("download body = %q", body)
	}

	_, body = e.postForm(t, "/admin/log/clear/", nil)
	if !strings.Contains(body, "Log cleared.") || !strings.Contains(body, "The log is empty.") {
		t.Error("clear did not empty the log page")
	}
	if size, _ := e.app.Log.Size(); size != 0 {
		t.Errorf("size after clear = %d", size)
	}
}

func TestAdminTestConnection(t *testing.T) {
	e := newTestEnv(t)
	e.login(t)

	_, body := e.postForm(t, "/admin/connection/", nil)
	if !strings.Contains(body, "Connected as @me.test.") {
		t.Errorf("missing success message")
	}
	if !strings.Contains(e.logText(t), "Bluesky authentication successful. DID: did:plc:me") {
		t.Error("log missing authentication line")
	}
	if _, ok, _ := e.app.Store.LoadSession(); !ok {
		t.Error("session not persisted")
	}
}

func TestNotFoundPage(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.get(t, "/nothing/")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "Not found") {
		t.Errorf("GET /nothing/ = %d", resp.StatusCode)
	}
}
