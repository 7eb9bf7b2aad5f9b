package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/middleware"
	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/service"
)

type AuthHandler struct {
	authSvc    *service.AuthService
	cookieName string
}

func NewAuthHandler(authSvc *service.AuthService, cookieName string) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, cookieName: cookieName}
}

type telegramLoginRequest struct {
	InitData string `json:"init_data"`
}

type loginResponse struct {
	User      model.UserPublic `json:"user"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// TelegramLogin — вход через подписанный initData мини-приложения.
// Все отказы проверки схлопываются в общий ответ «войдите заново»;
// конкретная причина — только в логи, не наружу.
func (h *AuthHandler) TelegramLogin(w http.ResponseWriter, r *http.Request) {
	var req telegramLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InitData == "" {
		writeError(w, http.StatusBadRequest, "init_data обязателен")
		return
	}
	res, err := h.authSvc.TelegramLogin(r.Context(), req.InitData, requestMeta(r))
	if err != nil {
		writeLoginError(w, err)
		return
	}
	setSessionCookie(w, r, h.cookieName, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{User: res.User.ToPublic(), ExpiresAt: res.ExpiresAt})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw := sessionCookieValue(r, h.cookieName); raw != "" {
		if err := h.authSvc.Logout(r.Context(), raw); err != nil {
			logger.Errorf("logout: %v", err)
		}
	}
	clearSessionCookie(w, r, h.cookieName)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.authSvc.User(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка загрузки профиля")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.ToPublic()})
}

type sessionView struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

func (h *AuthHandler) GetSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.authSvc.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка загрузки сессий")
		return
	}
	current := middleware.GetSessionID(r.Context())
	views := make([]sessionView, 0, len(list))
	for _, s := range list {
		views = append(views, sessionView{
			ID: s.ID, IP: s.IP, UserAgent: s.UserAgent,
			CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt,
			Current: s.ID == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// LogoutAllSessions отзывает все сессии пользователя, кроме текущей.
func (h *AuthHandler) LogoutAllSessions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := h.authSvc.LogoutAll(r.Context(), userID, sessionCookieValue(r, h.cookieName))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Ошибка выхода")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": n})
}

type ValidateRequest struct {
	Token string `json:"token"`
}

type ValidateResponse struct {
	UserID int64 `json:"user_id"`
}

// ValidateSession — проверка сессии для соседних сервисов (POST /internal/validate).
func ValidateSession(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, _, err := authSvc.Resolve(r.Context(), req.Token)
		if err != nil {
			logger.Errorf("internal validate: %v", err)
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, ValidateResponse{UserID: user.ID})
	}
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func writeLoginError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Слишком много запросов. Попробуйте позже.")
	case errors.Is(err, service.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "Некорректные данные входа")
	case errors.Is(err, service.ErrSignatureInvalid),
		errors.Is(err, service.ErrAuthDateExpired),
		errors.Is(err, service.ErrReplayDetected):
		// Не различаем причины для неавторизованного клиента.
		writeError(w, http.StatusUnauthorized, "Не удалось войти. Откройте приложение заново.")
	case errors.Is(err, service.ErrUserDisabled):
		writeError(w, http.StatusForbidden, "Пользователь отключён и не может войти")
	default:
		logger.Errorf("telegram login: %v", err)
		writeError(w, http.StatusInternalServerError, "Ошибка входа")
	}
}
