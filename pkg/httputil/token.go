package httputil

import (
	"errors"
	"net/http"
	"strings"
)

// AuthCookieName is the cookie the staff dashboard stores its access token in.
const AuthCookieName = "auth_token"

var ErrNoToken = errors.New("no auth token found in header or cookie")

// TokenFromRequest returns the access token from the Authorization header,
// falling back to the auth cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if token = strings.TrimSpace(token); ok && token != "" {
			return token, nil
		}
	}

	cookie, err := r.Cookie(AuthCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrNoToken
}
