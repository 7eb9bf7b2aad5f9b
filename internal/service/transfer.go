package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/repetitor/internal/model"
	"github.com/repetitor/internal/ratelimit"
	"github.com/repetitor/internal/repository"
	"github.com/repetitor/internal/token"
)

// TransferRepo — операции хранилища для токенов переноса. Consume обязан быть
// атомарным: не больше одного успешного вызова на токен (CAS-предикат в БД).
type TransferRepo interface {
	Create(ctx context.Context, t *model.TransferToken) error
	Consume(ctx context.Context, tokenHash string) (int64, error)
}

// SessionIssuer — выдача новой сессии владельцу погашенного токена (AuthService).
type SessionIssuer interface {
	IssueSession(ctx context.Context, userID int64, meta RequestMeta) (*LoginResult, error)
}

// TransferConfig — TTL-полоса и лимиты для переноса сессий.
type TransferConfig struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration

	MintPerUserMin     int
	MintPerIPMin       int
	ConsumePerIPMin    int
	ConsumePerTokenMin int
}

// MintResult — сырой токен переноса отдаётся один раз; в БД только хеш.
type MintResult struct {
	Token     string
	ExpiresAt time.Time
}

// TransferService — перенос авторизованной сессии на второе устройство через
// короткоживущий одноразовый токен.
type TransferService struct {
	transfers TransferRepo
	issuer    SessionIssuer
	limiter   ratelimit.Limiter
	cfg       TransferConfig
	nowTime   func() time.Time
}

type TransferOption func(*TransferService)

func WithTransferNowTime(now func() time.Time) TransferOption {
	return func(s *TransferService) { s.nowTime = now }
}

func NewTransferService(transfers TransferRepo, issuer SessionIssuer, limiter ratelimit.Limiter, cfg TransferConfig, opts ...TransferOption) *TransferService {
	s := &TransferService{
		transfers: transfers,
		issuer:    issuer,
		limiter:   limiter,
		cfg:       cfg,
		nowTime:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClampTTL зажимает запрошенный TTL в настроенную полосу [min, max];
// ttlSec <= 0 — значение по умолчанию. Защита от сверхдолгого токена переноса.
func (s *TransferService) ClampTTL(ttlSec int) time.Duration {
	ttl := s.cfg.DefaultTTL
	if ttlSec > 0 {
		ttl = time.Duration(ttlSec) * time.Second
	}
	if ttl < s.cfg.MinTTL {
		ttl = s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

// Mint выпускает одноразовый токен переноса для уже авторизованного пользователя.
func (s *TransferService) Mint(ctx context.Context, userID int64, meta RequestMeta, ttlSec int) (*MintResult, error) {
	for _, check := range []struct {
		key   string
		limit int
	}{
		{"transfer_mint_user:" + strconv.FormatInt(userID, 10), s.cfg.MintPerUserMin},
		{"transfer_mint_ip:" + meta.IP, s.cfg.MintPerIPMin},
	} {
		blocked, err := s.limiter.Limited(ctx, check.key, check.limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("transfer.Mint: limiter: %w", err)
		}
		if blocked {
			return nil, ErrRateLimited
		}
	}

	raw, err := token.New(token.SessionTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("transfer.Mint: %w", err)
	}
	now := s.nowTime().UTC()
	t := &model.TransferToken{
		ID:               uuid.New().String(),
		UserID:           userID,
		TokenHash:        token.Hash(raw),
		CreatedIP:        meta.IP,
		CreatedUserAgent: meta.UserAgent,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.ClampTTL(ttlSec)),
	}
	if err := s.transfers.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("transfer.Mint: %w", err)
	}
	return &MintResult{Token: raw, ExpiresAt: t.ExpiresAt}, nil
}

// Consume гасит токен и выдаёт владельцу новую сессию на этом устройстве.
// При таймауте хранилища ошибка уходит как есть — повторять consume нельзя,
// исход предыдущей попытки неизвестен; клиент запрашивает новый токен.
func (s *TransferService) Consume(ctx context.Context, rawToken string, meta RequestMeta) (*LoginResult, error) {
	if rawToken == "" {
		return nil, ErrInvalidToken
	}
	tokenHash := token.Hash(rawToken)
	for _, check := range []struct {
		key   string
		limit int
	}{
		{"transfer_consume_ip:" + meta.IP, s.cfg.ConsumePerIPMin},
		{"transfer_consume_token:" + tokenHash, s.cfg.ConsumePerTokenMin},
	} {
		blocked, err := s.limiter.Limited(ctx, check.key, check.limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("transfer.Consume: limiter: %w", err)
		}
		if blocked {
			return nil, ErrRateLimited
		}
	}

	userID, err := s.transfers.Consume(ctx, tokenHash)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrInvalidToken
		case errors.Is(err, repository.ErrTokenSpent):
			return nil, ErrTokenSpent
		default:
			return nil, fmt.Errorf("transfer.Consume: %w", err)
		}
	}
	return s.issuer.IssueSession(ctx, userID, meta)
}
