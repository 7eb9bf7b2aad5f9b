package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/repetitor/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// setSessionCookie ставит сессионный cookie: Path=/, HttpOnly, SameSite=Lax.
// Secure всегда, кроме соединений с loopback (исключение только для локальной разработки).
func setSessionCookie(w http.ResponseWriter, r *http.Request, name, rawToken string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if rawToken == "" {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    rawToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isLocalRequest(r),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request, name string) {
	setSessionCookie(w, r, name, "", time.Time{})
}

// isLocalRequest смотрит на адрес соединения, а не на заголовок Host:
// Host контролируется клиентом, и подделанный "localhost" снимал бы Secure.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sessionCookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
