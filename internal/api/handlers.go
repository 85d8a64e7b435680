package api

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/courtside/photodesk/internal/session"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// SessionCookieName carries the console session id.
const SessionCookieName = "photodesk_session"

// SessionHeader may carry the session id for clients without cookies.
const SessionHeader = "X-Photodesk-Session"

const mimeMsgpack = "application/msgpack"

// resolveSession returns the caller's console session, starting a new one
// and setting the cookie when the request carries none or an expired one.
func resolveSession(c echo.Context, sessions *session.Manager) *session.State {
	id := c.Request().Header.Get(SessionHeader)
	if id == "" {
		if cookie, err := c.Cookie(SessionCookieName); err == nil {
			id = cookie.Value
		}
	}

	state, created := sessions.GetOrCreate(id)
	if created {
		c.SetCookie(&http.Cookie{
			Name:     SessionCookieName,
			Value:    state.ID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	c.Response().Header().Set(SessionHeader, state.ID)
	return state
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// wantsMsgpack reports whether the client asked for a msgpack body.
func wantsMsgpack(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack)
}

// respond writes v as msgpack or JSON depending on the Accept header.
func respond(c echo.Context, status int, v interface{}) error {
	if !wantsMsgpack(c) {
		return c.JSON(status, v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(status, mimeMsgpack, buf.Bytes())
}
