// Package views renders the admin pages as templ components.
package views

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

func page(title string, body func(buf *bytes.Buffer)) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var buf bytes.Buffer
		buf.WriteString(`<!doctype html><html lang="en"><head><meta charset="utf-8">`)
		buf.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		buf.WriteString(`<title>` + html.EscapeString(title) + ` · skyposter</title>`)
		buf.WriteString(`<link rel="stylesheet" href="/public/admin.css"></head><body><main>`)
		body(&buf)
		buf.WriteString(`</main></body></html>`)
		_, err := w.Write(buf.Bytes())
		return err
	})
}

func csrfField(buf *bytes.Buffer, token string) {
	buf.WriteString(`<input type="hidden" name="_csrf" value="` + html.EscapeString(token) + `">`)
}

// postButton writes a one-button form.
func postButton(buf *bytes.Buffer, action, label, token string) {
	buf.WriteString(`<form method="post" action="` + html.EscapeString(action) + `" class="inline">`)
	csrfField(buf, token)
	buf.WriteString(`<button type="submit">` + html.EscapeString(label) + `</button></form>`)
}

func message(buf *bytes.Buffer, msg string) {
	if msg != "" {
		buf.WriteString(`<p class="notice">` + html.EscapeString(msg) + `</p>`)
	}
}

// AdminLogin renders the login form.
func AdminLogin(showError bool, csrfToken string) templ.Component {
	return page("Sign in", func(buf *bytes.Buffer) {
		buf.WriteString(`<h1>skyposter</h1>`)
		if showError {
			buf.WriteString(`<p class="error">Invalid password.</p>`)
		}
		buf.WriteString(`<form method="post" action="/admin/login/">`)
		csrfField(buf, csrfToken)
		buf.WriteString(`<label>Password <input type="password" name="password" autofocus required></label>`)
		buf.WriteString(`<button type="submit">Sign in</button></form>`)
	})
}

// AdminDashboard renders the connection summary, the logging switch and the
// list of known articles with their opt-in toggles.
func AdminDashboard(d Dashboard) templ.Component {
	return page("Dashboard", func(buf *bytes.Buffer) {
		buf.WriteString(`<header><h1>skyposter</h1>`)
		postButton(buf, "/admin/logout/", "Sign out", d.CSRFToken)
		buf.WriteString(`</header>`)
		message(buf, d.Message)

		buf.WriteString(`<section><h2>Bluesky connection</h2><dl>`)
		fmt.Fprintf(buf, `<dt>Server</dt><dd>%s</dd>`, html.EscapeString(d.PDSHost))
		ident := d.Identifier
		if ident == "" {
			ident = "not configured"
		}
		fmt.Fprintf(buf, `<dt>Identifier</dt><dd>%s</dd>`, html.EscapeString(ident))
		pw := "not configured"
		if d.HasPassword {
			pw = "configured"
		}
		fmt.Fprintf(buf, `<dt>App password</dt><dd>%s</dd>`, pw)
		sess := "none"
		if d.SessionHandle != "" {
			sess = "@" + d.SessionHandle
		}
		fmt.Fprintf(buf, `<dt>Session</dt><dd>%s</dd></dl>`, html.EscapeString(sess))
		postButton(buf, "/admin/connection/", "Test connection", d.CSRFToken)
		buf.WriteString(`</section>`)

		buf.WriteString(`<section><h2>Activity log</h2>`)
		state, action := "disabled", "Enable logging"
		if d.LoggingEnabled {
			state, action = "enabled", "Disable logging"
		}
		fmt.Fprintf(buf, `<p>Logging is %s. <a href="/admin/log/">View log</a></p>`, state)
		postButton(buf, "/admin/logging/", action, d.CSRFToken)
		buf.WriteString(`</section>`)

		buf.WriteString(`<section><h2>Articles</h2>`)
		if len(d.Articles) == 0 {
			buf.WriteString(`<p>No articles seen yet.</p></section>`)
			return
		}
		buf.WriteString(`<table><thead><tr><th>ID</th><th>Title</th><th>Last attempt</th><th>Result</th><th>Post to Bluesky</th></tr></thead><tbody>`)
		for _, art := range d.Articles {
			articleRow(buf, art, d.CSRFToken)
		}
		buf.WriteString(`</tbody></table></section>`)
	})
}

func articleRow(buf *bytes.Buffer, art Article, token string) {
	title := html.EscapeString(art.Title)
	if title == "" {
		title = "(untitled)"
	}
	if art.Permalink != "" {
		title = `<a href="` + html.EscapeString(art.Permalink) + `">` + title + `</a>`
	}
	attempt := art.LastAttempt
	if attempt == "" {
		attempt = "never"
	}
	result := ""
	switch {
	case art.LastError != "":
		result = `<span class="error">` + html.EscapeString(art.LastError) + `</span>`
	case art.LastURI != "":
		result = `<code>` + html.EscapeString(art.LastURI) + `</code>`
	}
	fmt.Fprintf(buf, `<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>`, art.PostID, title, html.EscapeString(attempt), result)

	buf.WriteString(`<form method="post" action="/admin/articles/` + fmt.Sprint(art.PostID) + `/optin/" class="inline">`)
	csrfField(buf, token)
	if art.OptIn {
		buf.WriteString(`<input type="hidden" name="enabled" value="0"><button type="submit">Enabled</button>`)
	} else {
		buf.WriteString(`<input type="hidden" name="enabled" value="1"><button type="submit" class="off">Disabled</button>`)
	}
	buf.WriteString(`</form></td></tr>`)
}

// AdminLog renders the activity log with its size and controls.
func AdminLog(p LogPage) templ.Component {
	return page("Activity log", func(buf *bytes.Buffer) {
		buf.WriteString(`<header><h1>Activity log</h1><a href="/admin/">Back</a></header>`)
		message(buf, p.Message)
		state := "disabled"
		if p.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(buf, `<p>Logging is %s. Size: %s of %s.</p>`, state, html.EscapeString(p.Size), html.EscapeString(p.Cap))
		buf.WriteString(`<p><a href="/admin/log/download/">Download</a></p>`)
		postButton(buf, "/admin/log/clear/", "Clear log", p.CSRFToken)
		if p.Content == "" {
			buf.WriteString(`<p>The log is empty.</p>`)
			return
		}
		buf.WriteString(`<pre class="log">` + html.EscapeString(p.Content) + `</pre>`)
	})
}

// NotFound renders the 404 page.
func NotFound() templ.Component {
	return page("Not found", func(buf *bytes.Buffer) {
		buf.WriteString(`<h1>Not found</h1><p><a href="/admin/">Go to the dashboard</a></p>`)
	})
}

// ServerError renders the 500 page.
func ServerError() templ.Component {
	return page("Error", func(buf *bytes.Buffer) {
		buf.WriteString(`<h1>Something went wrong</h1><p>The error has been logged.</p>`)
	})
}
