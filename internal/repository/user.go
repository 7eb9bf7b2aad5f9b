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

var (
	ErrNotFound = errors.New("not found")
	// ErrTokenSpent — токен переноса известен, но истёк или уже использован.
	ErrTokenSpent = errors.New("transfer token expired or used")
)

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, telegram_id, username, first_name, last_name, photo_url, last_auth_date, created_at, disabled_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.PhotoURL, &u.LastAuthDate, &u.CreatedAt, &u.DisabledAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByTelegramID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE telegram_id = $1`, telegramID)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByTelegramID: %w", err)
	}
	return u, nil
}

// UpsertByTelegramID создаёт пользователя при первом входе или обновляет профиль
// при повторном. last_auth_date только растёт (GREATEST) — параллельный вход со
// старым auth_date не откатит отметку. Возвращает актуальную строку.
func (r *UserRepository) UpsertByTelegramID(ctx context.Context, u *model.User) (*model.User, error) {
	defer logger.DeferLogDuration("user.UpsertByTelegramID", time.Now())()
	out := &model.User{}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (telegram_id, username, first_name, last_name, photo_url, last_auth_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (telegram_id) DO UPDATE SET
		   username = EXCLUDED.username,
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   photo_url = EXCLUDED.photo_url,
		   last_auth_date = GREATEST(users.last_auth_date, EXCLUDED.last_auth_date)
		 RETURNING `+userCols,
		u.TelegramID, u.Username, u.FirstName, u.LastName, u.PhotoURL, u.LastAuthDate,
	)
	if err := scanUser(row, out); err != nil {
		return nil, fmt.Errorf("userRepo.UpsertByTelegramID: %w", err)
	}
	return out, nil
}
