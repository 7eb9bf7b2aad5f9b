package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/middleware"
	"github.com/repetitor/internal/service"
)

type TransferHandler struct {
	transferSvc *service.TransferService
	cookieName  string
}

func NewTransferHandler(transferSvc *service.TransferService, cookieName string) *TransferHandler {
	return &TransferHandler{transferSvc: transferSvc, cookieName: cookieName}
}

type mintRequest struct {
	TTLSec int `json:"ttl_sec"`
}

type mintResponse struct {
	TransferToken string    `json:"transfer_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Mint выпускает одноразовый токен переноса для текущего пользователя.
// Запрошенный TTL зажимается в настроенную полосу на стороне сервиса.
func (h *TransferHandler) Mint(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req mintRequest
	if r.Body != nil {
		// Пустое тело допустимо — берётся TTL по умолчанию.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	res, err := h.transferSvc.Mint(r.Context(), userID, requestMeta(r), req.TTLSec)
	if err != nil {
		if errors.Is(err, service.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "Слишком много запросов. Попробуйте позже.")
			return
		}
		logger.Errorf("transfer mint: %v", err)
		writeError(w, http.StatusInternalServerError, "Не удалось создать ссылку входа")
		return
	}
	writeJSON(w, http.StatusOK, mintResponse{TransferToken: res.Token, ExpiresAt: res.ExpiresAt})
}

type consumeRequest struct {
	TransferToken string `json:"transfer_token"`
}

// Consume гасит токен переноса и выдаёт новую сессию на этом устройстве.
// Детали отказа (неизвестный / истёкший / уже использованный) наружу не
// различаются дальше статусов 401 и 410 — клиенту в любом случае нужна новая ссылка.
func (h *TransferHandler) Consume(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TransferToken == "" {
		writeError(w, http.StatusBadRequest, "transfer_token обязателен")
		return
	}
	res, err := h.transferSvc.Consume(r.Context(), req.TransferToken, requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "Слишком много запросов. Попробуйте позже.")
		case errors.Is(err, service.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "Ссылка недействительна. Запросите новую.")
		case errors.Is(err, service.ErrTokenSpent):
			writeError(w, http.StatusGone, "Ссылка истекла или уже использована. Запросите новую.")
		case errors.Is(err, service.ErrUserDisabled):
			writeError(w, http.StatusForbidden, "Пользователь отключён и не может войти")
		default:
			logger.Errorf("transfer consume: %v", err)
			writeError(w, http.StatusInternalServerError, "Ошибка входа")
		}
		return
	}
	setSessionCookie(w, r, h.cookieName, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{User: res.User.ToPublic(), ExpiresAt: res.ExpiresAt})
}
