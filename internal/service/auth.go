package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/ratelimit"
	"github.com/repetitor/internal/repository"
	"github.com/repetitor/internal/telegram"
	"github.com/repetitor/internal/token"
)

// Ошибки авторизации — терминальные исходы для клиента; ядро их не ретраит.
// Сбои хранилища идут отдельным каналом: обычные обёрнутые ошибки, handler отвечает 500.
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrSignatureInvalid = errors.New("init data signature invalid")
	ErrAuthDateExpired  = errors.New("init data auth_date expired")
	ErrReplayDetected   = errors.New("init data replay detected")
	ErrMalformedPayload = errors.New("init data payload malformed")
	ErrUserDisabled     = errors.New("user disabled")
	ErrInvalidToken     = errors.New("invalid transfer token")
	ErrTokenSpent       = errors.New("transfer token expired or used")
)

// UserRepo / SessionRepo — операции, которые ядру нужны от внешнего хранилища.
// Реализации: internal/repository (Postgres); в тестах — in-memory фейки.
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)
	UpsertByTelegramID(ctx context.Context, u *model.User) (*model.User, error)
}

type SessionRepo interface {
	Create(ctx context.Context, s *model.Session) error
	GetActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	ListActiveByUserID(ctx context.Context, userID int64) ([]model.Session, error)
	RevokeByTokenHash(ctx context.Context, tokenHash string) (bool, error)
	RevokeAllByUserID(ctx context.Context, userID int64, exceptTokenHash string) (int64, error)
}

// RequestMeta — аудит-метаданные запроса (пишутся в сессию и токен переноса).
type RequestMeta struct {
	IP        string
	UserAgent string
}

// AuthConfig — параметры входа через Telegram и выдачи сессий.
type AuthConfig struct {
	BotToken      string
	SessionTTL    time.Duration
	InitDataTTL   time.Duration
	ReplaySkew    time.Duration
	LoginPerIPMin int // запросов входа с одного IP в минуту
}

// LoginResult — единственное место, где сырой токен сессии покидает ядро.
// Повторно токен не выдаётся и нигде не сохраняется.
type LoginResult struct {
	User      *model.User
	Token     string
	Session   *model.Session
	ExpiresAt time.Time
}

type AuthService struct {
	users    UserRepo
	sessions SessionRepo
	limiter  ratelimit.Limiter
	verifier *telegram.Verifier
	cfg      AuthConfig
	nowTime  func() time.Time // подменяется в тестах
}

type AuthOption func(*AuthService)

// WithNowTime задаёт источник времени (для тестов границ истечения).
func WithNowTime(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.nowTime = now }
}

func NewAuthService(users UserRepo, sessions SessionRepo, limiter ratelimit.Limiter, cfg AuthConfig, opts ...AuthOption) *AuthService {
	s := &AuthService{
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		verifier: telegram.NewVerifier(),
		cfg:      cfg,
		nowTime:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TelegramLogin проверяет подписанный initData и выдаёт сессию.
// Никаких мутаций до полной проверки: подпись → свежесть auth_date → анти-replay,
// и только потом upsert пользователя и создание сессии.
func (s *AuthService) TelegramLogin(ctx context.Context, rawInitData string, meta RequestMeta) (*LoginResult, error) {
	blocked, err := s.limiter.Limited(ctx, "login:"+meta.IP, s.cfg.LoginPerIPMin, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("auth.TelegramLogin: limiter: %w", err)
	}
	if blocked {
		return nil, ErrRateLimited
	}

	fields, err := s.verifier.Verify(rawInitData, s.cfg.BotToken)
	if err != nil {
		logger.Debugf("telegram login: подпись не прошла: %v", err)
		return nil, ErrSignatureInvalid
	}
	authDate := fields.AuthDate()
	if authDate == 0 {
		return nil, ErrMalformedPayload
	}
	now := s.nowTime()
	if now.Unix()-authDate > int64(s.cfg.InitDataTTL/time.Second) {
		return nil, ErrAuthDateExpired
	}
	tgUser, err := fields.User()
	if err != nil {
		return nil, ErrMalformedPayload
	}

	existing, err := s.users.GetByTelegramID(ctx, tgUser.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("auth.TelegramLogin: %w", err)
	}
	if existing != nil {
		// auth_date у платформы только растёт при настоящей повторной аутентификации;
		// более старая подпись в пределах допуска — повтор (replay).
		if authDate+int64(s.cfg.ReplaySkew/time.Second) < existing.LastAuthDate {
			logger.Debugf("telegram login: replay: auth_date=%d last=%d", authDate, existing.LastAuthDate)
			return nil, ErrReplayDetected
		}
		if existing.DisabledAt != nil {
			return nil, ErrUserDisabled
		}
	}

	user, err := s.users.UpsertByTelegramID(ctx, &model.User{
		TelegramID:   tgUser.ID,
		Username:     tgUser.Username,
		FirstName:    tgUser.FirstName,
		LastName:     tgUser.LastName,
		PhotoURL:     tgUser.PhotoURL,
		LastAuthDate: authDate,
	})
	if err != nil {
		return nil, fmt.Errorf("auth.TelegramLogin: %w", err)
	}
	return s.issueSession(ctx, user, meta)
}

// IssueSession выдаёт новую сессию существующему пользователю (вход по токену переноса).
func (s *AuthService) IssueSession(ctx context.Context, userID int64, meta RequestMeta) (*LoginResult, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth.IssueSession: %w", err)
	}
	if user.DisabledAt != nil {
		return nil, ErrUserDisabled
	}
	return s.issueSession(ctx, user, meta)
}

func (s *AuthService) issueSession(ctx context.Context, user *model.User, meta RequestMeta) (*LoginResult, error) {
	raw, err := token.New(token.SessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("auth.issueSession: %w", err)
	}
	now := s.nowTime().UTC()
	sess := &model.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: token.Hash(raw),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("auth.issueSession: %w", err)
	}
	return &LoginResult{User: user, Token: raw, Session: sess, ExpiresAt: sess.ExpiresAt}, nil
}

// Resolve возвращает пользователя по сырому токену сессии. Любой промах
// (неизвестный, истёкший, отозванный токен) — nil без различий, чтобы не
// превращать ответ в оракул. Ошибка — только сбой хранилища.
func (s *AuthService) Resolve(ctx context.Context, rawToken string) (*model.User, *model.Session, error) {
	if rawToken == "" {
		return nil, nil, nil
	}
	sess, err := s.sessions.GetActiveByTokenHash(ctx, token.Hash(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("auth.Resolve: %w", err)
	}
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("auth.Resolve: %w", err)
	}
	if user.DisabledAt != nil {
		return nil, nil, nil
	}
	return user, sess, nil
}

// Logout отзывает сессию по сырому токену. Идемпотентно.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		return nil
	}
	if _, err := s.sessions.RevokeByTokenHash(ctx, token.Hash(rawToken)); err != nil {
		return fmt.Errorf("auth.Logout: %w", err)
	}
	return nil
}

// LogoutAll отзывает все сессии пользователя, кроме текущей (exceptRawToken; пустой — все).
func (s *AuthService) LogoutAll(ctx context.Context, userID int64, exceptRawToken string) (int64, error) {
	exceptHash := ""
	if exceptRawToken != "" {
		exceptHash = token.Hash(exceptRawToken)
	}
	n, err := s.sessions.RevokeAllByUserID(ctx, userID, exceptHash)
	if err != nil {
		return 0, fmt.Errorf("auth.LogoutAll: %w", err)
	}
	return n, nil
}

func (s *AuthService) ListSessions(ctx context.Context, userID int64) ([]model.Session, error) {
	return s.sessions.ListActiveByUserID(ctx, userID)
}

// User возвращает пользователя по id (для /api/auth/me).
func (s *AuthService) User(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("auth.User: %w", err)
	}
	return u, nil
}
