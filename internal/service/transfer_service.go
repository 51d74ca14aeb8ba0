package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-client/internal/domain"
	"grid-client/internal/repository"
)

// TransferService is the journal of transfers handled by this client.
type TransferService interface {
	Record(ctx context.Context, transfer *domain.Transfer, files []domain.TransferFile) error
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	ListTransfers(ctx context.Context) ([]domain.Transfer, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int, transferred, total int64) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
	MarkMirrored(ctx context.Context, id, location string) error
	DeleteTransfer(ctx context.Context, id string) error
	// Recover fails every entry a previous process left queued or running and
	// returns how many there were.
	Recover(ctx context.Context) (int, error)
}

type transferService struct {
	transfers repository.TransferRepository
	files     repository.TransferFileRepository
}

func NewTransferService(transfers repository.TransferRepository, files repository.TransferFileRepository) TransferService {
	return &transferService{
		transfers: transfers,
		files:     files,
	}
}

func (s *transferService) Record(ctx context.Context, transfer *domain.Transfer, files []domain.TransferFile) error {
	if transfer.ID == "" {
		return errors.New("transfer id is required")
	}
	if transfer.ProjectName == "" {
		return errors.New("project name is required")
	}
	if transfer.Status == "" {
		transfer.Status = domain.TransferStatusQueued
	}

	if err := s.transfers.Create(ctx, transfer); err != nil {
		return err
	}
	if len(files) > 0 {
		for i := range files {
			files[i].TransferID = transfer.ID
		}
		if err := s.files.ReplaceForTransfer(ctx, transfer.ID, files); err != nil {
			return err
		}
		transfer.Files = files
	}
	return nil
}

func (s *transferService) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	transfer, err := s.transfers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	transfer.Files = files
	return transfer, nil
}

func (s *transferService) ListTransfers(ctx context.Context) ([]domain.Transfer, error) {
	transfers, err := s.transfers.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, transfers)
}

func (s *transferService) ListByStatuses(ctx context.Context, statuses ...domain.TransferStatus) ([]domain.Transfer, error) {
	transfers, err := s.transfers.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, transfers)
}

func (s *transferService) withFiles(ctx context.Context, transfers []domain.Transfer) ([]domain.Transfer, error) {
	for i := range transfers {
		files, err := s.files.ListByTransfer(ctx, transfers[i].ID)
		if err != nil {
			return nil, err
		}
		transfers[i].Files = files
	}
	return transfers, nil
}

func (s *transferService) MarkRunning(ctx context.Context, id string) error {
	return s.transfers.UpdateStatus(ctx, id, domain.TransferStatusRunning, nil)
}

func (s *transferService) UpdateProgress(ctx context.Context, id string, progress int, transferred, total int64) error {
	return s.transfers.UpdateProgress(ctx, id, progress, transferred, total)
}

func (s *transferService) MarkSucceeded(ctx context.Context, id string) error {
	return s.transfers.MarkFinished(ctx, id, domain.TransferStatusSucceeded, "", time.Now())
}

func (s *transferService) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transfers.MarkFinished(ctx, id, domain.TransferStatusFailed, msg, time.Now())
}

func (s *transferService) MarkMirrored(ctx context.Context, id, location string) error {
	return s.transfers.MarkMirrored(ctx, id, location)
}

func (s *transferService) DeleteTransfer(ctx context.Context, id string) error {
	return s.transfers.Delete(ctx, id)
}

func (s *transferService) Recover(ctx context.Context) (int, error) {
	stale, err := s.transfers.ListByStatuses(ctx, domain.TransferStatusQueued, domain.TransferStatusRunning)
	if err != nil {
		return 0, err
	}
	for _, t := range stale {
		if err := s.transfers.MarkFinished(ctx, t.ID, domain.TransferStatusFailed, "interrupted", time.Now()); err != nil {
			return 0, fmt.Errorf("recover transfer %s: %w", t.ID, err)
		}
	}
	return len(stale), nil
}
