package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBotToken = "7000000001:AAtestbottokenfortests_000000000000"

// signInitData строит подписанный initData независимо от проверяемого кода:
// та же цепочка HMAC, но отдельная реализация.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	canonical := strings.Join(parts, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(canonical))
	hash := hex.EncodeToString(mac.Sum(nil))

	q := url.Values{}
	for k, v := range fields {
		q.Set(k, v)
	}
	q.Set("hash", hash)
	return q.Encode()
}

func validFields() map[string]string {
	return map[string]string{
		"auth_date": "1756600000",
		"query_id":  "AAE1qwer",
		"user":      `{"id":777,"first_name":"Анна","last_name":"Петрова","username":"anna_p"}`,
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	raw := signInitData(t, testBotToken, validFields())

	fields, err := NewVerifier().Verify(raw, testBotToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1756600000), fields.AuthDate())
	// hash не должен попадать в результат
	_, ok := fields["hash"]
	assert.False(t, ok)

	u, err := fields.User()
	require.NoError(t, err)
	assert.Equal(t, int64(777), u.ID)
	assert.Equal(t, "anna_p", u.Username)
}

func TestVerify_TamperedField(t *testing.T) {
	raw := signInitData(t, testBotToken, validFields())
	// Подменяем id пользователя после подписания
	tampered := strings.Replace(raw, "777", "778", 1)
	require.NotEqual(t, raw, tampered)

	_, err := NewVerifier().Verify(tampered, testBotToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_WrongBotToken(t *testing.T) {
	raw := signInitData(t, testBotToken, validFields())
	_, err := NewVerifier().Verify(raw, "8000000002:AAanotherbottoken")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_EmptyBotToken(t *testing.T) {
	// Пустой секрет отказывает всегда, даже для "валидно" выглядящего initData
	raw := signInitData(t, "", validFields())
	_, err := NewVerifier().Verify(raw, "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_MissingHash(t *testing.T) {
	q := url.Values{}
	for k, v := range validFields() {
		q.Set(k, v)
	}
	_, err := NewVerifier().Verify(q.Encode(), testBotToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_HashLengthMismatchSkipsCompare(t *testing.T) {
	// hash валидной hex-строкой, но не той длины: отказ должен случиться
	// до вызова компаратора.
	q := url.Values{}
	for k, v := range validFields() {
		q.Set(k, v)
	}
	q.Set("hash", "deadbeef")

	calls := 0
	v := NewVerifier()
	v.equal = func(a, b []byte) bool {
		calls++
		return false
	}
	_, err := v.Verify(q.Encode(), testBotToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	assert.Zero(t, calls, "компаратор не должен вызываться при несовпадении длины")
}

func TestVerify_NonHexHash(t *testing.T) {
	q := url.Values{}
	for k, v := range validFields() {
		q.Set(k, v)
	}
	q.Set("hash", strings.Repeat("zz", 32))
	_, err := NewVerifier().Verify(q.Encode(), testBotToken)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestFields_User_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":    "",
		"not json": "{broken",
		"zero id":  `{"id":0,"first_name":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f := Fields{"user": raw}
			_, err := f.User()
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestFields_AuthDate(t *testing.T) {
	assert.Equal(t, int64(1756600000), Fields{"auth_date": "1756600000"}.AuthDate())
	assert.Zero(t, Fields{"auth_date": "не число"}.AuthDate())
	assert.Zero(t, Fields{}.AuthDate())
}
