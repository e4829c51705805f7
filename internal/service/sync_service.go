package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/ics"
	"github.com/tazhate/caldavsync/internal/storage"
)

// maxParallelAccounts bounds SyncAll fan-out.
const maxParallelAccounts = 4

// SyncReport contains the outcome of one account pass.
type SyncReport struct {
	AccountID     string
	Calendars     int
	Created       int
	Updated       int
	Deleted       int
	Skipped       int
	Unchanged     int
	FullRefreshes int
	// Deferred counts events changed locally while their calendar was being
	// synced. They are picked up again by the next pass.
	Deferred  int
	Conflicts []domain.Conflict
}

// SyncService pulls remote calendars into the local store.
type SyncService struct {
	storage *storage.Storage
	conn    connector
	locks   *AccountLocks
	codec   *ics.Codec
	log     *slog.Logger
	now     func() time.Time
}

// NewSyncService creates a sync service. locks must be shared with the
// PushService of the same store.
func NewSyncService(s *storage.Storage, secrets Secrets, dial Dialer, locks *AccountLocks, codec *ics.Codec, log *slog.Logger) *SyncService {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = ics.NewCodec(time.UTC)
	}
	return &SyncService{
		storage: s,
		conn:    connector{secrets: secrets, dial: dial},
		locks:   locks,
		codec:   codec,
		log:     log,
		now:     time.Now,
	}
}

// SyncAll syncs every account concurrently. Reports are returned for the
// accounts that completed; failures are joined into the error.
func (s *SyncService) SyncAll(ctx context.Context) (map[string]*SyncReport, error) {
	accounts, err := s.storage.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var (
		mu      sync.Mutex
		reports = make(map[string]*SyncReport, len(accounts))
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(maxParallelAccounts)
	for _, acc := range accounts {
		g.Go(func() error {
			report, err := s.SyncAccount(ctx, acc.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("account %s: %w", acc.ID, err))
				return nil
			}
			reports[acc.ID] = report
			return nil
		})
	}
	g.Wait()

	return reports, errors.Join(errs...)
}

// SyncAccount refreshes the calendar list of one account and pulls changes
// for every calendar whose ctag moved.
func (s *SyncService) SyncAccount(ctx context.Context, accountID string) (*SyncReport, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	acc, err := s.storage.GetAccount(accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}

	client, err := s.conn.connect(acc)
	if err != nil {
		return nil, err
	}

	calendars, err := s.refreshCalendars(ctx, client, acc)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{AccountID: acc.ID, Calendars: len(calendars)}
	for _, cal := range calendars {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.syncCalendar(ctx, client, cal, report); err != nil {
			if caldav.IsKind(err, caldav.KindNotFound) {
				s.log.Warn("calendar vanished during sync", "account", acc.ID, "calendar", cal.URL, "error", err)
				report.Skipped++
				continue
			}
			return report, fmt.Errorf("sync %s: %w", cal.DisplayName, err)
		}
	}

	if err := s.storage.SetAccountSynced(acc.ID, s.now()); err != nil {
		return report, fmt.Errorf("record sync time: %w", err)
	}
	s.log.Info("account synced",
		"account", acc.ID,
		"calendars", report.Calendars,
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"unchanged", report.Unchanged,
		"conflicts", len(report.Conflicts),
	)
	return report, nil
}

// listedCalendar pairs the stored row with the ctag the server just listed.
type listedCalendar struct {
	*domain.Calendar
	listedCTag string
}

// refreshCalendars stores the current calendar list of acc. Stored ctag and
// sync-token are carried on the returned calendars; the listed ctag is kept
// apart so the gate can compare the two.
func (s *SyncService) refreshCalendars(ctx context.Context, client CalDAV, acc *domain.Account) ([]listedCalendar, error) {
	infos, err := client.ListCalendars(ctx, acc.CalendarHomeURL)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	if len(infos) == 0 {
		return nil, caldav.ErrNoCalendars
	}

	existing, err := s.storage.ListCalendars(acc.ID)
	if err != nil {
		return nil, fmt.Errorf("load calendars: %w", err)
	}
	byID := make(map[string]*domain.Calendar, len(existing))
	for _, c := range existing {
		byID[c.ID] = c
	}

	var (
		rows   []*domain.Calendar
		listed []listedCalendar
	)
	for i, info := range infos {
		cal := &domain.Calendar{
			ID:          domain.CalendarID(acc.ID, info.URL),
			AccountID:   acc.ID,
			DisplayName: info.DisplayName,
			Color:       info.Color,
			URL:         info.URL,
			ReadOnly:    info.ReadOnly,
			Visible:     true,
			SortOrder:   i,
		}
		if old, ok := byID[cal.ID]; ok {
			cal.Visible = old.Visible
			cal.CTag = old.CTag
			cal.SyncToken = old.SyncToken
		}
		rows = append(rows, cal)
		listed = append(listed, listedCalendar{Calendar: cal, listedCTag: info.CTag})
	}

	removed, err := s.storage.ReplaceCalendars(acc.ID, rows)
	if err != nil {
		return nil, fmt.Errorf("store calendars: %w", err)
	}
	if removed > 0 {
		s.log.Info("removed vanished calendars", "account", acc.ID, "count", removed)
	}
	return listed, nil
}

func (s *SyncService) syncCalendar(ctx context.Context, client CalDAV, cal listedCalendar, report *SyncReport) error {
	if cal.CTag != "" && cal.CTag == cal.listedCTag {
		report.Unchanged++
		return nil
	}

	local, err := s.storage.ListEventsByCalendar(cal.ID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	localByUID := make(map[string]domain.Event, len(local))
	localByHref := make(map[string]string, len(local))
	for _, e := range local {
		localByUID[e.UID] = *e
		if e.Href != "" {
			localByHref[e.Href] = e.UID
		}
	}

	var (
		changes   Changeset
		newCTag   = cal.listedCTag
		newToken  string
		refreshed bool
	)
	if cal.SyncToken != "" {
		changes, newToken, err = s.incremental(ctx, client, cal, localByHref, report)
		if caldav.IsKind(err, caldav.KindTokenInvalid) {
			s.log.Info("sync token rejected, refreshing", "calendar", cal.URL)
			refreshed = true
		} else if err != nil {
			return err
		}
	} else {
		refreshed = true
	}

	if refreshed {
		report.FullRefreshes++
		changes, newCTag, newToken, err = s.full(ctx, client, cal, localByHref, report)
		if err != nil {
			return err
		}
	}

	plan := Reconcile(cal.ID, changes, localByUID)
	base := make(map[string]int64, len(localByUID))
	for uid, e := range localByUID {
		base[uid] = e.Revision
	}
	deferred, err := s.storage.ApplyCalendarSync(cal.ID, storage.CalendarSync{
		Upserts:   plan.Upserts,
		Deletes:   plan.Deletes,
		Base:      base,
		CTag:      newCTag,
		SyncToken: newToken,
	})
	if err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}

	created, updated, deleted := plan.Created, plan.Updated, len(plan.Deletes)
	if len(deferred) > 0 {
		s.log.Info("events changed locally during sync, retrying next pass", "calendar", cal.URL, "uids", deferred)
		report.Deferred += len(deferred)
		for _, uid := range deferred {
			_, existed := localByUID[uid]
			switch {
			case slices.Contains(plan.Deletes, uid):
				deleted--
			case existed:
				updated--
			default:
				created--
			}
		}
	}

	report.Created += created
	report.Updated += updated
	report.Deleted += deleted
	report.Conflicts = append(report.Conflicts, plan.Conflicts...)
	for _, c := range plan.Conflicts {
		s.log.Warn("sync conflict", "calendar", cal.URL, "uid", c.UID, "kind", c.Kind, "local", c.LocalStatus)
	}
	return nil
}

// incremental collects the changes since the stored sync-token.
func (s *SyncService) incremental(ctx context.Context, client CalDAV, cal listedCalendar, localByHref map[string]string, report *SyncReport) (Changeset, string, error) {
	sc, err := client.SyncCollection(ctx, cal.URL, cal.SyncToken)
	if err != nil {
		return Changeset{}, "", err
	}

	var changes Changeset
	gone := func(href string) {
		if uid, ok := localByHref[href]; ok {
			changes.Deleted = append(changes.Deleted, uid)
		}
	}
	for _, href := range sc.Deleted {
		gone(href)
	}
	for _, res := range sc.Modified {
		obj, err := client.GetObject(ctx, res.Href)
		if caldav.IsKind(err, caldav.KindNotFound) {
			gone(res.Href)
			continue
		}
		if err != nil {
			return Changeset{}, "", err
		}
		if obj.ETag == "" {
			obj.ETag = res.ETag
		}
		if ev := s.decode(cal.ID, obj, report); ev != nil {
			changes.Upserts = append(changes.Upserts, *ev)
		}
	}

	token := sc.SyncToken
	if token == "" {
		token = cal.SyncToken
	}
	return changes, token, nil
}

// full fetches the whole collection. State is read before the content so a
// change racing the fetch shows up again on the next pass.
func (s *SyncService) full(ctx context.Context, client CalDAV, cal listedCalendar, localByHref map[string]string, report *SyncReport) (Changeset, string, string, error) {
	ctag, token, err := client.CollectionState(ctx, cal.URL)
	if err != nil {
		return Changeset{}, "", "", err
	}
	if ctag == "" {
		ctag = cal.listedCTag
	}

	resources, err := client.FetchAll(ctx, cal.URL)
	if err != nil {
		return Changeset{}, "", "", err
	}

	changes := Changeset{Full: true}
	for _, res := range resources {
		if ev := s.decode(cal.ID, res, report); ev != nil {
			changes.Upserts = append(changes.Upserts, *ev)
		} else if uid, ok := localByHref[res.Href]; ok {
			changes.Unreadable = append(changes.Unreadable, uid)
		}
	}
	return changes, ctag, token, nil
}

func (s *SyncService) decode(calendarID string, res caldav.Resource, report *SyncReport) *domain.Event {
	ev, err := s.codec.DecodeEvent(res.Data, calendarID, res.ETag)
	if err != nil {
		s.log.Warn("skipping calendar object", "href", res.Href, "error", err)
		report.Skipped++
		return nil
	}
	ev.Href = res.Href
	return ev
}
