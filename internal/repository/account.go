package repository

import (
	"context"

	"grid-client/internal/domain"
)

// AccountRepository defines persistence operations for broker client accounts.
type AccountRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, account *domain.Account) (int64, error)
	GetByClientName(ctx context.Context, name string) (*domain.Account, error)
}
