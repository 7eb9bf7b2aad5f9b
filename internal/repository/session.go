package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/repetitor/internal/logger"
	"github.com/repetitor/internal/model"
)

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	defer logger.DeferLogDuration("session.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, token_hash, ip, user_agent, created_at, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		s.ID, s.UserID, s.TokenHash, s.IP, s.UserAgent, s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("sessionRepo.Create: %w", err)
	}
	return nil
}

// GetActiveByTokenHash возвращает сессию только если она не отозвана и не истекла.
// Просроченная, отозванная и несуществующая неразличимы для вызывающего (ErrNotFound).
func (r *SessionRepository) GetActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	defer logger.DeferLogDuration("session.GetActiveByTokenHash", time.Now())()
	s := &model.Session{}
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, ip, user_agent, created_at, expires_at, revoked_at
		 FROM sessions WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()`, tokenHash)
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.IP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionRepo.GetActiveByTokenHash: %w", err)
	}
	return s, nil
}

// ListActiveByUserID — только живые сессии (для списка устройств пользователя).
func (r *SessionRepository) ListActiveByUserID(ctx context.Context, userID int64) ([]model.Session, error) {
	defer logger.DeferLogDuration("session.ListActiveByUserID", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, ip, user_agent, created_at, expires_at
		 FROM sessions WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.ListActiveByUserID: %w", err)
	}
	defer rows.Close()
	var list []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.IP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// RevokeByTokenHash помечает сессию отозванной. Идемпотентно: повторный отзыв
// и отзыв несуществующей сессии — не ошибка.
func (r *SessionRepository) RevokeByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	defer logger.DeferLogDuration("session.RevokeByTokenHash", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return false, fmt.Errorf("sessionRepo.RevokeByTokenHash: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllByUserID отзывает все сессии пользователя, кроме exceptTokenHash (пустой — все).
func (r *SessionRepository) RevokeAllByUserID(ctx context.Context, userID int64, exceptTokenHash string) (int64, error) {
	defer logger.DeferLogDuration("session.RevokeAllByUserID", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW()
		 WHERE user_id = $1 AND revoked_at IS NULL AND ($2 = '' OR token_hash <> $2)`,
		userID, exceptTokenHash)
	if err != nil {
		return 0, fmt.Errorf("sessionRepo.RevokeAllByUserID: %w", err)
	}
	return tag.RowsAffected(), nil
}
