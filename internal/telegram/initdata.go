// Package telegram — проверка подписи initData от Telegram Mini Apps.
// Алгоритм должен бит-в-бит совпадать с референсом Telegram: любое отклонение
// (порядок ключей, разделитель, сравнение) — обход авторизации.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/repetitor/internal/token"
)

var (
	ErrSignatureInvalid = errors.New("init data signature invalid")
	ErrMalformedPayload = errors.New("init data payload malformed")
)

// hmacKeySeed — константа из протокола Telegram Web Apps.
const hmacKeySeed = "WebAppData"

// TelegramUser — поле user из initData после успешной проверки подписи.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

// Fields — разобранные пары initData (без поля hash). До проверки подписи
// значения считаются недоверенными и наружу не отдаются.
type Fields map[string]string

// AuthDate возвращает auth_date (Unix-секунды). 0 — поле отсутствует или не число.
func (f Fields) AuthDate() int64 {
	v, err := strconv.ParseInt(f["auth_date"], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// User разбирает JSON поля user. Пустой id — некорректный payload.
func (f Fields) User() (*TelegramUser, error) {
	raw := f["user"]
	if raw == "" {
		return nil, ErrMalformedPayload
	}
	var u TelegramUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == 0 {
		return nil, ErrMalformedPayload
	}
	return &u, nil
}

// Verifier проверяет подпись initData общим секретом (токеном бота).
type Verifier struct {
	// equal — сравнение байтов; подменяется в тестах для подсчёта вызовов.
	equal func(a, b []byte) bool
}

func NewVerifier() *Verifier {
	return &Verifier{equal: token.ConstantTimeEqual}
}

// Verify валидирует rawInitData (query-string) против botToken.
//  1. пустой секрет — отказ (misconfiguration не должна молча пропускать);
//  2. поле hash извлекается и удаляется; без него — отказ;
//  3. остальные пары сортируются по ключу и соединяются "key=value" через \n;
//  4. secret = HMAC-SHA256(key="WebAppData", msg=botToken), сырой дайджест;
//  5. expected = HMAC-SHA256(key=secret, msg=canonical);
//  6. присланный hash декодируется из hex; при другой длине — отказ до сравнения;
//  7. сравнение constant-time.
func (v *Verifier) Verify(rawInitData, botToken string) (Fields, error) {
	if botToken == "" {
		return nil, ErrSignatureInvalid
	}
	values, err := url.ParseQuery(rawInitData)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	fields := make(Fields, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		fields[key] = vals[0]
	}
	supplied, ok := fields["hash"]
	if !ok || supplied == "" {
		return nil, ErrSignatureInvalid
	}
	delete(fields, "hash")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
	}

	secret := hmac.New(sha256.New, []byte(hmacKeySeed))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(sb.String()))
	expected := mac.Sum(nil)

	suppliedBytes, err := hex.DecodeString(supplied)
	if err != nil || len(suppliedBytes) != len(expected) {
		return nil, ErrSignatureInvalid
	}
	if !v.equal(expected, suppliedBytes) {
		return nil, ErrSignatureInvalid
	}
	return fields, nil
}
