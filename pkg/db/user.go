package db

import "time"

// User is the token account of one user. Identity itself comes from the
// auth layer; the row is created on first use.
type User struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	TokensUsed  int       `json:"tokens_used" gorm:"not null;default:0"`
	TokensLimit int       `json:"tokens_limit" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// HasTokensAvailable reports whether n more tokens fit under the limit.
func (u *User) HasTokensAvailable(n int) bool {
	return u.TokensUsed+n <= u.TokensLimit
}
