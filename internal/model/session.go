package model

import "time"

// Session — серверная сессия. В БД хранится только хеш bearer-токена;
// сырой токен уходит клиенту в cookie и больше нигде не появляется.
type Session struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	TokenHash string     `json:"-"`
	IP        string     `json:"ip"`
	UserAgent string     `json:"user_agent"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
