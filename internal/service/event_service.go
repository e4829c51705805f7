package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/ics"
	"github.com/tazhate/caldavsync/internal/storage"
)

var ErrInvalidEvent = errors.New("invalid event")

// EventService records local edits. Nothing is sent to the server here; the
// edits are queued as pending sync statuses for PushService.
type EventService struct {
	storage *storage.Storage
}

func NewEventService(s *storage.Storage) *EventService {
	return &EventService{storage: s}
}

func (s *EventService) writableCalendar(calendarID string) (*domain.Calendar, error) {
	cal, err := s.storage.GetCalendar(calendarID)
	if err != nil {
		return nil, fmt.Errorf("get calendar: %w", err)
	}
	if cal == nil {
		return nil, ErrCalendarNotFound
	}
	if !cal.Writable() {
		return nil, ErrReadOnlyCalendar
	}
	return cal, nil
}

func validate(e *domain.Event) error {
	if e.Start.IsZero() {
		return fmt.Errorf("%w: start time required", ErrInvalidEvent)
	}
	if e.End != nil && e.End.Before(e.Start) {
		return fmt.Errorf("%w: end before start", ErrInvalidEvent)
	}
	return nil
}

// Create stores draft as a new event in calendarID with a fresh UID.
func (s *EventService) Create(ctx context.Context, calendarID string, draft domain.Event) (*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cal, err := s.writableCalendar(calendarID)
	if err != nil {
		return nil, err
	}
	if err := validate(&draft); err != nil {
		return nil, err
	}

	e := draft
	e.UID = uuid.NewString()
	e.CalendarID = cal.ID
	e.Href = caldav.ObjectURL(cal.URL, e.UID)
	e.ETag = ""
	e.RawICal = ""
	e.SyncStatus = domain.SyncStatusPendingCreate
	if strings.TrimSpace(e.Summary) == "" {
		e.Summary = ics.PlaceholderSummary
	}
	if e.Status == "" {
		e.Status = domain.EventStatusConfirmed
	}
	now := time.Now().UTC()
	e.Created = &now
	e.LastModified = &now

	if err := s.storage.SaveEvent(&e); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	return &e, nil
}

// Update replaces the editable fields of an existing event. The server
// identity (href, etag, stored payload) is kept from the stored row.
func (s *EventService) Update(ctx context.Context, e domain.Event) (*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.writableCalendar(e.CalendarID); err != nil {
		return nil, err
	}
	current, err := s.storage.GetEvent(e.CalendarID, e.UID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if current == nil || current.SyncStatus == domain.SyncStatusPendingDelete {
		return nil, ErrEventNotFound
	}
	if err := validate(&e); err != nil {
		return nil, err
	}

	e.Href = current.Href
	e.ETag = current.ETag
	e.RawICal = current.RawICal
	e.Created = current.Created
	now := time.Now().UTC()
	e.LastModified = &now
	if current.SyncStatus == domain.SyncStatusPendingCreate {
		e.SyncStatus = domain.SyncStatusPendingCreate
	} else {
		e.SyncStatus = domain.SyncStatusPendingUpdate
	}

	if err := s.storage.SaveEvent(&e); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	return &e, nil
}

// Delete queues the event for deletion. An event the server has never seen
// is removed right away.
func (s *EventService) Delete(ctx context.Context, calendarID, uid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.writableCalendar(calendarID); err != nil {
		return err
	}
	current, err := s.storage.GetEvent(calendarID, uid)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	if current == nil {
		return ErrEventNotFound
	}

	switch current.SyncStatus {
	case domain.SyncStatusPendingCreate:
		return s.storage.DeleteEvent(calendarID, uid)
	case domain.SyncStatusPendingDelete:
		return nil
	}
	current.SyncStatus = domain.SyncStatusPendingDelete
	return s.storage.SaveEvent(current)
}

// ListRange returns the visible events overlapping [from, to).
func (s *EventService) ListRange(ctx context.Context, from, to time.Time) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: empty range", ErrInvalidEvent)
	}
	return s.storage.ListEventsInRange(from, to)
}

func (s *EventService) Search(ctx context.Context, query string, limit int) ([]*domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	return s.storage.SearchEvents(query, limit)
}
