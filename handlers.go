package skyposter

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"github.com/eringen/skyposter/article"
)

// maxEventBody bounds the webhook request body.
const maxEventBody = 4 << 20

func handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleEvent receives a status-change event from the content system.
func (a *App) handleEvent(c echo.Context) error {
	if !a.hookLimiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
	}
	if !a.hookAuthorized(c.Request()) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	var ev article.Event
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, maxEventBody))
	if err := dec.Decode(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event: "+err.Error())
	}
	if ev.PostID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "post_id is required")
	}

	res, err := a.Dispatch(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// hookAuthorized checks the bearer token. With no token configured the
// webhook is closed.
func (a *App) hookAuthorized(r *http.Request) bool {
	if a.Config.HookToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.Config.HookToken)) == 1
}

func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if strings.HasPrefix(c.Request().URL.Path, "/api/") {
		a.Echo.DefaultHTTPErrorHandler(err, c)
		return
	}
	var he *echo.HTTPError
	ok := errors.As(err, &he)
	if ok && he.Code == http.StatusNotFound {
		_ = RenderStatus(c, http.StatusNotFound, a.Views.NotFound())
		return
	}
	code := http.StatusInternalServerError
	if ok {
		code = he.Code
	}
	if code >= 500 {
		a.Logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Server error")
		_ = RenderStatus(c, code, a.Views.ServerError())
		return
	}
	a.Echo.DefaultHTTPErrorHandler(err, c)
}

// Render writes a templ component as an HTTP 200 HTML response.
func Render(c echo.Context, cmp templ.Component) error {
	return RenderStatus(c, http.StatusOK, cmp)
}

// RenderStatus writes a templ component with a specific HTTP status code.
func RenderStatus(c echo.Context, code int, cmp templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(code)
	return cmp.Render(c.Request().Context(), c.Response().Writer)
}
