package middleware

import "strings"

// MaskToken маскирует токены и session_id в логах (в prod не светить полные значения).
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
