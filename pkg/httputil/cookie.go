package httputil

import (
	"errors"
	"net/http"

	"github.com/communergy/trusted-entity/internal/config"
)

const SessionCookieName = "trusted_entity_session_id"

// SetSessionCookie issues the session id to the browser. The cookie crosses
// sites via the redirect handoff from the community app, so production uses
// SameSite=None with Secure; development falls back to Lax because None
// requires HTTPS, which localhost lacks.
func SetSessionCookie(w http.ResponseWriter, sessionID string, maxAge int) {
	isProduction := config.GetEnv("ENVIRONMENT", "development") == "production"

	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
	}

	if isProduction {
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true // Must be true for SameSite=None
	} else {
		cookie.SameSite = http.SameSiteLaxMode
	}

	http.SetCookie(w, cookie)
}

func ClearSessionCookie(w http.ResponseWriter) {
	cookie := &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	http.SetCookie(w, cookie)
}

// GetSessionFromCookie extracts the session id from the request cookie.
func GetSessionFromCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", errors.New("session cookie not found")
	}

	if cookie.Value == "" {
		return "", errors.New("session cookie is empty")
	}

	return cookie.Value, nil
}
