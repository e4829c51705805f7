package service

import (
	"context"
	"fmt"

	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/storage"
)

// BookingSource lists appointment configurations. *nextcloud.Client
// implements it.
type BookingSource interface {
	AppointmentConfigs(ctx context.Context, serverURL, username, password string) ([]domain.BookingConfig, error)
}

// BookingService exposes the booking pages of the default account
type BookingService struct {
	storage *storage.Storage
	secrets Secrets
	source  BookingSource
}

func NewBookingService(s *storage.Storage, secrets Secrets, source BookingSource) *BookingService {
	return &BookingService{storage: s, secrets: secrets, source: source}
}

func (s *BookingService) List(ctx context.Context) ([]domain.BookingConfig, error) {
	acc, err := s.storage.GetDefaultAccount()
	if err != nil {
		return nil, fmt.Errorf("get default account: %w", err)
	}
	if acc == nil {
		return nil, ErrNoAccount
	}
	password, err := s.secrets.Lookup(acc.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return s.source.AppointmentConfigs(ctx, acc.ServerURL, acc.Username, password)
}
