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

type TransferRepository struct {
	pool *pgxpool.Pool
}

func NewTransferRepository(pool *pgxpool.Pool) *TransferRepository {
	return &TransferRepository{pool: pool}
}

func (r *TransferRepository) Create(ctx context.Context, t *model.TransferToken) error {
	defer logger.DeferLogDuration("transfer.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transfer_tokens (id, user_id, token_hash, created_ip, created_user_agent, created_at, expires_at, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		t.ID, t.UserID, t.TokenHash, t.CreatedIP, t.CreatedUserAgent, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("transferRepo.Create: %w", err)
	}
	return nil
}

// Consume атомарно гасит токен. Условный UPDATE по предикату
// (used_at IS NULL AND expires_at >= NOW()) — а не по ранее прочитанному
// снимку — гарантирует не больше одного победителя при гонке; проигравшие
// получают ErrTokenSpent. Погашенная строка остаётся до истечения expires_at:
// повторный consume по известному токену обязан отличаться от неизвестного
// (ErrTokenSpent, не ErrNotFound). Убирает мёртвые строки DeleteExpired.
func (r *TransferRepository) Consume(ctx context.Context, tokenHash string) (int64, error) {
	defer logger.DeferLogDuration("transfer.Consume", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("transferRepo.Consume: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var userID int64
	err = tx.QueryRow(ctx,
		`UPDATE transfer_tokens SET used_at = NOW()
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at >= NOW()
		 RETURNING user_id`, tokenHash).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Проигрыш гонки, истёкший или неизвестный токен — различаем только
			// "известен" и "неизвестен", детали состояния наружу не отдаём.
			var exists bool
			if checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM transfer_tokens WHERE token_hash = $1)`, tokenHash).Scan(&exists); checkErr != nil {
				return 0, fmt.Errorf("transferRepo.Consume: exists check: %w", checkErr)
			}
			if exists {
				return 0, ErrTokenSpent
			}
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("transferRepo.Consume: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("transferRepo.Consume: commit: %w", err)
	}
	return userID, nil
}

// DeleteExpired удаляет истёкшие токены, включая погашенные (фоновая уборка,
// на корректность не влияет: до истечения погашенная строка нужна, чтобы
// повторный consume получал ErrTokenSpent, а не ErrNotFound).
func (r *TransferRepository) DeleteExpired(ctx context.Context) (int64, error) {
	defer logger.DeferLogDuration("transfer.DeleteExpired", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM transfer_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("transferRepo.DeleteExpired: %w", err)
	}
	return tag.RowsAffected(), nil
}
