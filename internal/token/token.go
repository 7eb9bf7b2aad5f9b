// Package token — генерация и хеширование непрозрачных токенов (сессии, перенос сессий).
// Сырой токен никогда не пишется в БД и в логи — хранится только SHA-256 хеш.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SessionTokenBytes — 32 байта (256 бит) энтропии для bearer-токенов.
const SessionTokenBytes = 32

// New возвращает криптографически случайный токен длиной n байт в base64url (без padding).
func New(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token.New: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash возвращает hex(SHA-256(token)) — ключ для поиска в БД.
func Hash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEqual сравнивает байты за постоянное время (без раннего выхода на первом несовпадении).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
