// Package server issues and reads the cookie-bound chat identity consumed by
// the connection layer.
package server

import (
	"net/http"

	"github.com/google/uuid"
)

const (
	userIDCookie   = "user_id"
	nicknameCookie = "nickname"

	// Identity cookies live for one year.
	sessionCookieMaxAge = 365 * 24 * 60 * 60
)

// Session is the externally established identity carried by a connection.
// The core consumes these as already-bound strings.
type Session struct {
	UserID   string
	Nickname string
}

// NewSession generates a fresh identity with a random user id and nickname.
func NewSession() Session {
	return Session{
		UserID:   uuid.NewString(),
		Nickname: GenerateNickname(),
	}
}

// SessionFromRequest reads the identity cookies from the request. The second
// result is false when either cookie is missing.
func SessionFromRequest(r *http.Request) (Session, bool) {
	userID, err := r.Cookie(userIDCookie)
	if err != nil || userID.Value == "" {
		return Session{}, false
	}
	nickname, err := r.Cookie(nicknameCookie)
	if err != nil || nickname.Value == "" {
		return Session{}, false
	}
	return Session{UserID: userID.Value, Nickname: nickname.Value}, true
}

// EnsureSession returns the request's identity, issuing a new one via
// response cookies when the request carries none.
func EnsureSession(w http.ResponseWriter, r *http.Request) Session {
	if session, ok := SessionFromRequest(r); ok {
		return session
	}

	session := NewSession()
	setSessionCookie(w, userIDCookie, session.UserID)
	setSessionCookie(w, nicknameCookie, session.Nickname)
	return session
}

func setSessionCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   sessionCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
