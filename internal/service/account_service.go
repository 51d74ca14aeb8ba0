package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"grid-client/internal/domain"
	"grid-client/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRegistrationSecret indicates the registration secret is incorrect.
	ErrInvalidRegistrationSecret = errors.New("invalid registration secret")
	// ErrAccountExists is returned when registering a client name twice.
	ErrAccountExists = errors.New("account already exists")
)

// AccountService manages the clients allowed to talk to the broker gateway.
type AccountService interface {
	Register(ctx context.Context, clientName, password, providedSecret string) (*domain.Account, error)
	Authenticate(ctx context.Context, clientName, password string) (*domain.Account, error)
}

type accountService struct {
	accounts       repository.AccountRepository
	registerSecret string
}

func NewAccountService(accounts repository.AccountRepository, registerSecret string) AccountService {
	return &accountService{
		accounts:       accounts,
		registerSecret: strings.TrimSpace(registerSecret),
	}
}

func (s *accountService) Register(ctx context.Context, clientName, password, providedSecret string) (*domain.Account, error) {
	clientName = strings.TrimSpace(clientName)
	password = strings.TrimSpace(password)
	providedSecret = strings.TrimSpace(providedSecret)

	if clientName == "" {
		return nil, errors.New("client name is required")
	}
	if strings.ContainsAny(clientName, `/\`) || clientName == "." || clientName == ".." {
		return nil, fmt.Errorf("invalid client name %q", clientName)
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if s.registerSecret == "" {
		return nil, errors.New("registration secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(s.registerSecret)) != 1 {
		return nil, ErrInvalidRegistrationSecret
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &domain.Account{
		ClientName:   clientName,
		PasswordHash: string(hash),
	}
	if _, err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, ErrAccountExists
		}
		return nil, err
	}
	return sanitizeAccount(account), nil
}

func (s *accountService) Authenticate(ctx context.Context, clientName, password string) (*domain.Account, error) {
	clientName = strings.TrimSpace(clientName)
	password = strings.TrimSpace(password)
	if clientName == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	account, err := s.accounts.GetByClientName(ctx, clientName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return sanitizeAccount(account), nil
}

func sanitizeAccount(account *domain.Account) *domain.Account {
	if account == nil {
		return nil
	}
	return &domain.Account{
		ID:         account.ID,
		ClientName: account.ClientName,
		CreatedAt:  account.CreatedAt,
		UpdatedAt:  account.UpdatedAt,
	}
}
