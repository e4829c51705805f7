package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-ical"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrCalendarNotFound = errors.New("calendar not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrReadOnlyCalendar = errors.New("calendar is read-only")
	ErrNoAccount        = errors.New("no account configured")
)

// CalDAV is the server surface the services need. *caldav.Client
// implements it.
type CalDAV interface {
	Discover(ctx context.Context) (caldav.Discovery, error)
	ListCalendars(ctx context.Context, homeURL string) ([]caldav.CalendarInfo, error)
	CollectionState(ctx context.Context, calendarURL string) (ctag, syncToken string, err error)
	SyncCollection(ctx context.Context, calendarURL, token string) (caldav.SyncCollection, error)
	FetchAll(ctx context.Context, calendarURL string) ([]caldav.Resource, error)
	GetObject(ctx context.Context, href string) (caldav.Resource, error)
	PutObject(ctx context.Context, href string, cal *ical.Calendar, ifMatch string) (string, error)
	DeleteObject(ctx context.Context, href, ifMatch string) error
}

// Dialer opens a CalDAV session for one set of credentials.
type Dialer func(serverURL, username, password string) (CalDAV, error)

// NewDialer returns a Dialer building real clients with opts.
func NewDialer(opts caldav.Options) Dialer {
	return func(serverURL, username, password string) (CalDAV, error) {
		c, err := caldav.NewClient(serverURL, username, password, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Secrets keeps account passwords outside the database.
type Secrets interface {
	Lookup(accountID string) (string, error)
	Save(accountID, secret string) error
	Delete(accountID string) error
}

// connector resolves an account's credentials into a session.
type connector struct {
	secrets Secrets
	dial    Dialer
}

func (c connector) connect(acc *domain.Account) (CalDAV, error) {
	password, err := c.secrets.Lookup(acc.ID)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", acc.ID, err)
	}
	client, err := c.dial(acc.ServerURL, acc.Username, password)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", acc.ServerURL, err)
	}
	return client, nil
}

// AccountLocks serializes sync and push passes of the same account.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the account is free and returns the unlock func.
func (l *AccountLocks) Lock(accountID string) func() {
	l.mu.Lock()
	m, ok := l.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[accountID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
