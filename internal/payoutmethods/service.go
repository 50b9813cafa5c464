package payoutmethods

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/skillswap/backend/internal/models"
)

var ErrInvalidProvider = errors.New("invalid payout provider")

// ErrMissingReceiver is returned when a paypal method has no receiver email
// in its details.
var ErrMissingReceiver = errors.New("paypal method requires a receiver")

// ErrNotFound is returned for set-default and delete on a method the user
// does not own.
var ErrNotFound = errors.New("payout method not found")

type Service interface {
	Create(ctx context.Context, userID uuid.UUID, provider, method string, details models.PayoutMethodDetails) (*models.UserPayoutMethod, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.UserPayoutMethod, error)
	SetDefault(ctx context.Context, userID, methodID uuid.UUID) error
	Delete(ctx context.Context, userID, methodID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.UserPayoutMethod, error)
	DefaultForProvider(ctx context.Context, userID uuid.UUID, provider string) (*models.UserPayoutMethod, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) *service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func validProvider(provider string) bool {
	switch provider {
	case models.ProviderManual, models.ProviderPayPal, models.ProviderWhish:
		return true
	}
	return false
}

func (s *service) Create(ctx context.Context, userID uuid.UUID, provider, method string, details models.PayoutMethodDetails) (*models.UserPayoutMethod, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !validProvider(provider) {
		return nil, ErrInvalidProvider
	}
	if provider == models.ProviderPayPal && details.ProviderReference == "" {
		return nil, ErrMissingReceiver
	}
	if method == "" {
		method = provider
	}
	return s.repo.Create(ctx, CreateParams{
		UserID:   userID,
		Provider: provider,
		Method:   method,
		Details:  details,
	})
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]*models.UserPayoutMethod, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *service) SetDefault(ctx context.Context, userID, methodID uuid.UUID) error {
	ok, err := s.repo.SetDefault(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *service) Delete(ctx context.Context, userID, methodID uuid.UUID) error {
	ok, err := s.repo.Delete(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*models.UserPayoutMethod, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) DefaultForProvider(ctx context.Context, userID uuid.UUID, provider string) (*models.UserPayoutMethod, error) {
	return s.repo.DefaultForProvider(ctx, userID, provider)
}
