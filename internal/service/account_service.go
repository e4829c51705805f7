package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/storage"
)

// AccountService manages configured CalDAV accounts
type AccountService struct {
	storage *storage.Storage
	secrets Secrets
	dial    Dialer
	log     *slog.Logger
}

func NewAccountService(s *storage.Storage, secrets Secrets, dial Dialer, log *slog.Logger) *AccountService {
	if log == nil {
		log = slog.Default()
	}
	return &AccountService{storage: s, secrets: secrets, dial: dial, log: log}
}

// NormalizeServerURL trims the URL, defaults the scheme to https and drops
// trailing slashes.
func NormalizeServerURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}

// discover runs principal and home discovery plus the calendar listing.
func (s *AccountService) discover(ctx context.Context, serverURL, username, password string) (caldav.Discovery, []caldav.CalendarInfo, error) {
	client, err := s.dial(serverURL, username, password)
	if err != nil {
		return caldav.Discovery{}, nil, err
	}
	d, err := client.Discover(ctx)
	if err != nil {
		return caldav.Discovery{}, nil, err
	}
	infos, err := client.ListCalendars(ctx, d.CalendarHomeURL)
	if err != nil {
		return caldav.Discovery{}, nil, err
	}
	if len(infos) == 0 {
		return caldav.Discovery{}, nil, caldav.ErrNoCalendars
	}
	return d, infos, nil
}

// AddAccount discovers the server, stores the account with its calendars and
// keeps the password in the secret store. The first account becomes the
// default.
func (s *AccountService) AddAccount(ctx context.Context, serverURL, username, password string) (*domain.Account, error) {
	serverURL = NormalizeServerURL(serverURL)
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username required")
	}

	d, infos, err := s.discover(ctx, serverURL, username, password)
	if err != nil {
		return nil, err
	}

	count, err := s.storage.CountAccounts()
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}

	acc := &domain.Account{
		ID:              uuid.NewString(),
		ServerURL:       serverURL,
		Username:        username,
		DisplayName:     username,
		PrincipalURL:    d.PrincipalURL,
		CalendarHomeURL: d.CalendarHomeURL,
		IsDefault:       count == 0,
	}
	if strings.Contains(username, "@") {
		acc.Email = username
	}

	calendars := make([]*domain.Calendar, 0, len(infos))
	for i, info := range infos {
		calendars = append(calendars, &domain.Calendar{
			ID:          domain.CalendarID(acc.ID, info.URL),
			AccountID:   acc.ID,
			DisplayName: info.DisplayName,
			Color:       info.Color,
			URL:         info.URL,
			ReadOnly:    info.ReadOnly,
			Visible:     true,
			SortOrder:   i,
		})
	}

	if err := s.secrets.Save(acc.ID, password); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	if err := s.storage.CreateAccount(acc, calendars); err != nil {
		if derr := s.secrets.Delete(acc.ID); derr != nil {
			s.log.Error("failed to drop credentials of unsaved account", "account", acc.ID, "error", derr)
		}
		return nil, fmt.Errorf("save account: %w", err)
	}

	s.log.Info("account added", "account", acc.ID, "server", serverURL, "calendars", len(calendars))
	return acc, nil
}

// VerifyCredentials checks that the server accepts the login and exposes at
// least one calendar. Nothing is stored.
func (s *AccountService) VerifyCredentials(ctx context.Context, serverURL, username, password string) error {
	_, _, err := s.discover(ctx, NormalizeServerURL(serverURL), strings.TrimSpace(username), password)
	return err
}

// RemoveAccount deletes the account, its calendars, events and password.
func (s *AccountService) RemoveAccount(id string) error {
	acc, err := s.storage.GetAccount(id)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return ErrAccountNotFound
	}
	if err := s.storage.DeleteAccount(id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := s.secrets.Delete(id); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *AccountService) SetDefault(id string) error {
	acc, err := s.storage.GetAccount(id)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return ErrAccountNotFound
	}
	return s.storage.SetDefaultAccount(id)
}

func (s *AccountService) List() ([]*domain.Account, error) {
	return s.storage.ListAccounts()
}

// Calendars returns the calendars of the account.
func (s *AccountService) Calendars(accountID string) ([]*domain.Calendar, error) {
	return s.storage.ListCalendars(accountID)
}

func (s *AccountService) SetCalendarVisible(calendarID string, visible bool) error {
	cal, err := s.storage.GetCalendar(calendarID)
	if err != nil {
		return fmt.Errorf("get calendar: %w", err)
	}
	if cal == nil {
		return ErrCalendarNotFound
	}
	return s.storage.SetCalendarVisible(calendarID, visible)
}
