package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/ratelimit"
	"github.com/repetitor/internal/repository"
	"github.com/repetitor/internal/service"
)

const (
	testBotToken   = "7000000001:AAtestbottokenfortests_000000000000"
	testCookieName = "repetitor_session"
)

// signedInitData — подписанный initData для HTTP-тестов (тот же HMAC-контур, что у Telegram).
func signedInitData(t *testing.T, tgID int64) string {
	t.Helper()
	fields := map[string]string{
		"auth_date": fmt.Sprintf("%d", time.Now().Unix()),
		"user":      fmt.Sprintf(`{"id":%d,"first_name":"Иван","username":"ivan"}`, tgID),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(parts, "\n")))

	q := url.Values{}
	for k, v := range fields {
		q.Set(k, v)
	}
	q.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return q.Encode()
}

type memStore struct {
	mu        sync.Mutex
	usersByID map[int64]*model.User
	usersByTG map[int64]*model.User
	sessions  map[string]*model.Session
	transfers map[string]*model.TransferToken
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		usersByID: make(map[int64]*model.User),
		usersByTG: make(map[int64]*model.User),
		sessions:  make(map[string]*model.Session),
		transfers: make(map[string]*model.TransferToken),
	}
}

func (s *memStore) GetByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetByTelegramID(_ context.Context, telegramID int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByTG[telegramID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) UpsertByTelegramID(_ context.Context, u *model.User) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.usersByTG[u.TelegramID]
	if !ok {
		s.nextID++
		created := *u
		created.ID = s.nextID
		created.CreatedAt = time.Now().UTC()
		s.usersByID[created.ID] = &created
		s.usersByTG[created.TelegramID] = &created
		cp := created
		return &cp, nil
	}
	existing.Username = u.Username
	existing.FirstName = u.FirstName
	existing.LastName = u.LastName
	existing.PhotoURL = u.PhotoURL
	if u.LastAuthDate > existing.LastAuthDate {
		existing.LastAuthDate = u.LastAuthDate
	}
	cp := *existing
	return &cp, nil
}

func (s *memStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.TokenHash] = &cp
	return nil
}

func (s *memStore) GetActiveByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || sess.RevokedAt != nil || !sess.ExpiresAt.After(time.Now()) {
		return nil, repository.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) ListActiveByUserID(_ context.Context, userID int64) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil && sess.ExpiresAt.After(time.Now()) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *memStore) RevokeByTokenHash(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || sess.RevokedAt != nil {
		return false, nil
	}
	now := time.Now()
	sess.RevokedAt = &now
	return true, nil
}

func (s *memStore) RevokeAllByUserID(_ context.Context, userID int64, exceptTokenHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for hash, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil && (exceptTokenHash == "" || hash != exceptTokenHash) {
			sess.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateTransfer(_ context.Context, t *model.TransferToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.TokenHash] = &cp
	return nil
}

func (s *memStore) ConsumeTransfer(_ context.Context, tokenHash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[tokenHash]
	if !ok {
		return 0, repository.ErrNotFound
	}
	now := time.Now()
	if t.UsedAt != nil || t.ExpiresAt.Before(now) {
		return 0, repository.ErrTokenSpent
	}
	t.UsedAt = &now
	return t.UserID, nil
}

// transferRepoAdapter подгоняет memStore под service.TransferRepo
// (имена методов Create/Consume заняты сессионной частью).
type transferRepoAdapter struct{ store *memStore }

func (a transferRepoAdapter) Create(ctx context.Context, t *model.TransferToken) error {
	return a.store.CreateTransfer(ctx, t)
}

func (a transferRepoAdapter) Consume(ctx context.Context, tokenHash string) (int64, error) {
	return a.store.ConsumeTransfer(ctx, tokenHash)
}

type blockAllLimiter struct{}

func (blockAllLimiter) Limited(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

type testEnv struct {
	store       *memStore
	authSvc     *service.AuthService
	transferSvc *service.TransferService
}

func newTestEnv(limiter ratelimit.Limiter) *testEnv {
	store := newMemStore()
	authSvc := service.NewAuthService(store, store, limiter, service.AuthConfig{
		BotToken:      testBotToken,
		SessionTTL:    30 * 24 * time.Hour,
		InitDataTTL:   24 * time.Hour,
		ReplaySkew:    30 * time.Second,
		LoginPerIPMin: 10,
	})
	transferSvc := service.NewTransferService(transferRepoAdapter{store}, authSvc, limiter, service.TransferConfig{
		DefaultTTL:         2 * time.Minute,
		MinTTL:             30 * time.Second,
		MaxTTL:             10 * time.Minute,
		MintPerUserMin:     6,
		MintPerIPMin:       20,
		ConsumePerIPMin:    20,
		ConsumePerTokenMin: 5,
	})
	return &testEnv{store: store, authSvc: authSvc, transferSvc: transferSvc}
}
