package service

import (
	"context"
	"sync"
	"time"

	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/repository"
)

// Фейки хранилищ повторяют контракт internal/repository на картах в памяти.
// Время берётся из общего подменяемого источника, как и в сервисах.

type stubLimiter struct {
	blocked bool
	err     error
}

func (l *stubLimiter) Limited(context.Context, string, int, time.Duration) (bool, error) {
	return l.blocked, l.err
}

type fakeUsers struct {
	mu     sync.Mutex
	byID   map[int64]*model.User
	byTG   map[int64]*model.User
	nextID int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[int64]*model.User), byTG: make(map[int64]*model.User)}
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) GetByTelegramID(_ context.Context, telegramID int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byTG[telegramID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpsertByTelegramID(_ context.Context, u *model.User) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.byTG[u.TelegramID]
	if !ok {
		f.nextID++
		created := *u
		created.ID = f.nextID
		created.CreatedAt = time.Now().UTC()
		f.byID[created.ID] = &created
		f.byTG[created.TelegramID] = &created
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

// disable помечает пользователя отключённым (для тестов отказа входа).
func (f *fakeUsers) disable(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	if u, ok := f.byID[id]; ok {
		u.DisabledAt = &now
	}
}

type fakeSessions struct {
	mu     sync.Mutex
	byHash map[string]*model.Session
	now    func() time.Time
}

func newFakeSessions(now func() time.Time) *fakeSessions {
	return &fakeSessions{byHash: make(map[string]*model.Session), now: now}
}

func (f *fakeSessions) Create(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.byHash[s.TokenHash] = &cp
	return nil
}

func (f *fakeSessions) active(s *model.Session) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(f.now())
}

func (f *fakeSessions) GetActiveByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byHash[tokenHash]
	if !ok || !f.active(s) {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) ListActiveByUserID(_ context.Context, userID int64) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.byHash {
		if s.UserID == userID && f.active(s) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessions) RevokeByTokenHash(_ context.Context, tokenHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byHash[tokenHash]
	if !ok || s.RevokedAt != nil {
		return false, nil
	}
	now := f.now()
	s.RevokedAt = &now
	return true, nil
}

func (f *fakeSessions) RevokeAllByUserID(_ context.Context, userID int64, exceptTokenHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	var n int64
	for hash, s := range f.byHash {
		if s.UserID == userID && s.RevokedAt == nil && (exceptTokenHash == "" || hash != exceptTokenHash) {
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

type fakeTransfers struct {
	mu     sync.Mutex
	byHash map[string]*model.TransferToken
	now    func() time.Time
}

func newFakeTransfers(now func() time.Time) *fakeTransfers {
	return &fakeTransfers{byHash: make(map[string]*model.TransferToken), now: now}
}

func (f *fakeTransfers) Create(_ context.Context, t *model.TransferToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.byHash[t.TokenHash] = &cp
	return nil
}

// Consume повторяет CAS-семантику БД: под общим замком первый вызов выигрывает,
// истёкший или уже погашенный токен — ErrTokenSpent, неизвестный — ErrNotFound.
func (f *fakeTransfers) Consume(_ context.Context, tokenHash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[tokenHash]
	if !ok {
		return 0, repository.ErrNotFound
	}
	now := f.now()
	if t.UsedAt != nil || t.ExpiresAt.Before(now) {
		return 0, repository.ErrTokenSpent
	}
	t.UsedAt = &now
	return t.UserID, nil
}
