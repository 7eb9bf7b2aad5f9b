package model

import "time"

// TransferToken — одноразовый токен переноса сессии на второе устройство.
// Жизненный цикл: mint → (максимум один) consume → терминальное состояние.
type TransferToken struct {
	ID               string     `json:"id"`
	UserID           int64      `json:"user_id"`
	TokenHash        string     `json:"-"`
	CreatedIP        string     `json:"created_ip"`
	CreatedUserAgent string     `json:"created_user_agent"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	UsedAt           *time.Time `json:"used_at,omitempty"`
}
