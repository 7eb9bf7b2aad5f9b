package model

import "time"

type User struct {
	ID           int64      `json:"id"`
	TelegramID   int64      `json:"telegram_id"`
	Username     string     `json:"username"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	PhotoURL     string     `json:"photo_url"`
	LastAuthDate int64      `json:"-"` // Unix-секунды последнего принятого auth_date
	CreatedAt    time.Time  `json:"created_at"`
	DisabledAt   *time.Time `json:"-"` // не null = пользователь отключён, не может войти
}

type UserPublic struct {
	ID         int64     `json:"id"`
	TelegramID int64     `json:"telegram_id"`
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	PhotoURL   string    `json:"photo_url"`
	CreatedAt  time.Time `json:"created_at"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:         u.ID,
		TelegramID: u.TelegramID,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		PhotoURL:   u.PhotoURL,
		CreatedAt:  u.CreatedAt,
	}
}
