package repository

import (
	"context"
	"errors"
	"time"

	"grid-client/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an insert violates a unique key.
	ErrAlreadyExists = errors.New("already exists")
)

// TransferRepository persists the journal of uploads and downloads.
type TransferRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, transfer *domain.Transfer) error
	UpdateStatus(ctx context.Context, id string, status domain.TransferStatus, errorMessage *string) error
	UpdateProgress(ctx context.Context, id string, progress int, transferred, total int64) error
	MarkFinished(ctx context.Context, id string, status domain.TransferStatus, errorMessage string, finishedAt time.Time) error
	MarkMirrored(ctx context.Context, id string, location string) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Transfer, error)
	List(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
}

// TransferFileRepository records the files that make up each transfer.
type TransferFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTransfer(ctx context.Context, transferID string, files []domain.TransferFile) error
	ListByTransfer(ctx context.Context, transferID string) ([]domain.TransferFile, error)
}
