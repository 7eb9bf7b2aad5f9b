package middleware

import (
	"context"
	"net/http"

	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/service"
)

// SessionAuth проверяет сессионный cookie и кладёт user_id/session_id в контекст.
// Неизвестный, истёкший и отозванный токен дают одинаковый 401 — без оракула.
func SessionAuth(authSvc *service.AuthService, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, sess, err := resolveSessionUser(r, authSvc, cookieName)
			if err != nil {
				logger.Errorf("session middleware: resolve: %v", err)
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			if user == nil {
				if c, cerr := r.Cookie(cookieName); cerr == nil && c.Value != "" {
					logger.Debugf("session middleware: токен %s не принят", MaskToken(c.Value))
				}
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, user.ID)
			ctx = context.WithValue(ctx, SessionIDKey, sess.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveSessionUser(r *http.Request, authSvc *service.AuthService, cookieName string) (*model.User, *model.Session, error) {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return nil, nil, nil
	}
	return authSvc.Resolve(r.Context(), c.Value)
}
