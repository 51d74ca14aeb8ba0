package domain

import "time"

// Account is a client registered with the broker gateway.
type Account struct {
	ID           int64
	ClientName   string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
