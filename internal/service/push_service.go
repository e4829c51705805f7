package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/ics"
	"github.com/tazhate/caldavsync/internal/storage"
)

// PushReport contains the outcome of one push pass.
type PushReport struct {
	AccountID string
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Failed    int
	// Requeued counts uploads whose event was edited again meanwhile. The
	// edit stays pending on top of the uploaded version.
	Requeued  int
	Conflicts []domain.Conflict
}

// PushService uploads pending local mutations.
type PushService struct {
	storage *storage.Storage
	conn    connector
	locks   *AccountLocks
	codec   *ics.Codec
	log     *slog.Logger
}

func NewPushService(s *storage.Storage, secrets Secrets, dial Dialer, locks *AccountLocks, codec *ics.Codec, log *slog.Logger) *PushService {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = ics.NewCodec(time.UTC)
	}
	return &PushService{
		storage: s,
		conn:    connector{secrets: secrets, dial: dial},
		locks:   locks,
		codec:   codec,
		log:     log,
	}
}

// PushAccount sends every pending create, update and delete of the account.
// A mutation the server rejects with 412 stays pending and is reported as a
// stale conflict; the next sync brings in the server version.
func (s *PushService) PushAccount(ctx context.Context, accountID string) (*PushReport, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	acc, err := s.storage.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}

	pending, err := s.storage.ListPendingEvents(acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	report := &PushReport{AccountID: acc.ID}
	if len(pending) == 0 {
		return report, nil
	}

	calendars, err := s.storage.ListCalendars(acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	byID := make(map[string]*domain.Calendar, len(calendars))
	for _, c := range calendars {
		byID[c.ID] = c
	}

	client, err := s.conn.connect(acc)
	if err != nil {
		return nil, err
	}

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cal := byID[e.CalendarID]
		if cal == nil || !cal.Writable() {
			report.Skipped++
			continue
		}

		err := s.push(ctx, client, cal, e, report)
		switch {
		case err == nil:
		case caldav.IsKind(err, caldav.KindPrecondition):
			s.log.Warn("push rejected, server copy changed", "uid", e.UID, "status", e.SyncStatus)
			report.Conflicts = append(report.Conflicts, domain.Conflict{
				CalendarID:  e.CalendarID,
				UID:         e.UID,
				Kind:        domain.ConflictStale,
				LocalStatus: e.SyncStatus,
				LocalETag:   e.ETag,
			})
		case caldav.IsKind(err, caldav.KindAuth), caldav.IsKind(err, caldav.KindTransport):
			return report, err
		default:
			s.log.Error("push failed", "uid", e.UID, "error", err)
			report.Failed++
		}
	}

	s.log.Info("account pushed",
		"account", acc.ID,
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"conflicts", len(report.Conflicts),
	)
	return report, nil
}

func (s *PushService) push(ctx context.Context, client CalDAV, cal *domain.Calendar, e *domain.Event, report *PushReport) error {
	href := e.Href
	if href == "" {
		href = caldav.ObjectURL(cal.URL, e.UID)
	}

	switch e.SyncStatus {
	case domain.SyncStatusPendingDelete:
		if e.Href != "" {
			if err := client.DeleteObject(ctx, href, e.ETag); err != nil {
				return err
			}
		}
		if err := s.storage.DeleteEvent(e.CalendarID, e.UID); err != nil {
			return fmt.Errorf("delete local: %w", err)
		}
		report.Deleted++
		return nil

	case domain.SyncStatusPendingCreate, domain.SyncStatusPendingUpdate:
		ifMatch := ""
		if e.SyncStatus == domain.SyncStatusPendingUpdate {
			ifMatch = e.ETag
		}
		payload := s.codec.Calendar(*e)
		raw, err := ics.Serialize(payload)
		if err != nil {
			return err
		}

		etag, err := client.PutObject(ctx, href, payload, ifMatch)
		if err != nil {
			return err
		}
		if etag == "" {
			obj, err := client.GetObject(ctx, href)
			if err != nil {
				return fmt.Errorf("read back %s: %w", href, err)
			}
			etag = obj.ETag
			if obj.Data != "" {
				raw = obj.Data
			}
		}
		if etag == "" {
			return fmt.Errorf("server returned no etag for %s", href)
		}

		synced, err := s.storage.MarkEventSynced(e.CalendarID, e.UID, href, etag, raw, e.Revision)
		if err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		if !synced {
			s.log.Info("event edited during push, kept pending", "uid", e.UID, "etag", etag)
			report.Requeued++
		}
		if e.SyncStatus == domain.SyncStatusPendingCreate {
			report.Created++
		} else {
			report.Updated++
		}
		return nil
	}
	return nil
}
