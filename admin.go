package skyposter

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/eringen/skyposter/activitylog"
	"github.com/eringen/skyposter/views"
)

// dashboardArticles is how many recent articles the dashboard lists.
const dashboardArticles = 50

func (a *App) handleAdmin(c echo.Context) error {
	if !IsAdmin(c) {
		return Render(c, a.Views.AdminLogin(false, CsrfToken(c)))
	}
	return a.renderAdminDashboard(c, c.QueryParam("msg"))
}

func (a *App) handleAdminLogin(c echo.Context) error {
	ip := c.RealIP()
	if !a.loginLimiter.Check(ip) {
		return c.String(http.StatusTooManyRequests, "Too many login attempts. Try again later.")
	}
	pass := c.FormValue("password")
	if subtle.ConstantTimeCompare([]byte(pass), []byte(a.Config.AdminPassword)) == 1 {
		if err := setAdminSession(c); err != nil {
			return err
		}
		return c.Redirect(http.StatusSeeOther, "/admin/")
	}
	a.loginLimiter.Record(ip)
	return RenderStatus(c, http.StatusUnauthorized, a.Views.AdminLogin(true, CsrfToken(c)))
}

func handleAdminLogout(c echo.Context) error {
	if err := clearAdminSession(c); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/admin/")
}

// requireAdmin wraps handlers that need a signed-in session.
func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !IsAdmin(c) {
			return c.Redirect(http.StatusSeeOther, "/admin/")
		}
		return next(c)
	}
}

func redirectMsg(c echo.Context, path, msg string) error {
	return c.Redirect(http.StatusSeeOther, path+"?msg="+url.QueryEscape(msg))
}

func (a *App) handleOptIn(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid post id")
	}
	on := c.FormValue("enabled") == "1"
	if err := a.setOptIn(id, on); err != nil {
		return err
	}
	return redirectMsg(c, "/admin/", "Saved.")
}

func (a *App) handleLoggingToggle(c echo.Context) error {
	on := !a.Log.Enabled()
	if err := a.Store.SetLoggingEnabled(on); err != nil {
		return err
	}
	a.Log.SetEnabled(on)
	if on {
		a.Log.Logf("Activity logging enabled.")
		return redirectMsg(c, "/admin/", "Logging enabled.")
	}
	return redirectMsg(c, "/admin/", "Logging disabled.")
}

// handleTestConnection drops the cached session and logs in again.
func (a *App) handleTestConnection(c echo.Context) error {
	a.Auth.Forget()
	sess, err := a.Auth.Authenticate(c.Request().Context())
	if err != nil {
		a.Log.Logf("Bluesky authentication failed: %v", err)
		return redirectMsg(c, "/admin/", "Connection failed: "+err.Error())
	}
	a.Log.Logf("Bluesky authentication successful. DID: %s", sess.DID)
	return redirectMsg(c, "/admin/", "Connected as @"+sess.Handle+".")
}

func (a *App) handleLogPage(c echo.Context) error {
	data, err := a.Log.Read()
	if err != nil {
		return err
	}
	return Render(c, a.Views.AdminLog(views.LogPage{
		Content:   string(data),
		Size:      activitylog.HumanSize(int64(len(data))),
		Cap:       activitylog.HumanSize(a.Log.Cap()),
		Enabled:   a.Log.Enabled(),
		Message:   c.QueryParam("msg"),
		CSRFToken: CsrfToken(c),
	}))
}

func (a *App) handleLogDownload(c echo.Context) error {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	h.Set(echo.HeaderContentDisposition, `attachment; filename="`+activitylog.ExportFilename+`"`)
	c.Response().WriteHeader(http.StatusOK)
	_, err := a.Log.Export(c.Response())
	return err
}

func (a *App) handleLogClear(c echo.Context) error {
	if err := a.Log.Clear(); err != nil {
		return err
	}
	return redirectMsg(c, "/admin/log/", "Log cleared.")
}

func (a *App) renderAdminDashboard(c echo.Context, msg string) error {
	metas, err := a.Store.RecentArticles(dashboardArticles)
	if err != nil {
		return err
	}
	arts := make([]views.Article, 0, len(metas))
	for _, m := range metas {
		art := views.Article{
			PostID:    m.PostID,
			Title:     m.Title,
			Permalink: m.Permalink,
			OptIn:     m.OptIn,
			LastURI:   m.LastURI,
			LastError: m.LastError,
		}
		if !m.LastAttempt.IsZero() {
			art.LastAttempt = m.LastAttempt.Local().Format("2006-01-02 15:04:05")
		}
		arts = append(arts, art)
	}
	d := views.Dashboard{
		Identifier:     a.Config.Identifier,
		PDSHost:        a.Config.PDSHost,
		HasPassword:    a.Config.AppPassword != "",
		LoggingEnabled: a.Log.Enabled(),
		Articles:       arts,
		Message:        msg,
		CSRFToken:      CsrfToken(c),
	}
	if sess, ok := a.Auth.CachedSession(); ok {
		d.SessionHandle = sess.Handle
	}
	return Render(c, a.Views.AdminDashboard(d))
}
