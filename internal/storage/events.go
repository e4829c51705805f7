package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/ics"
)

// === Events ===

const eventColumns = `calendar_id, uid, href, summary, description, location, dt_start, dt_end, all_day, timezone, rrule, ` +
	`organizer_email, organizer_name, attendees_json, reminders_json, status, created, last_modified, etag, sync_status, raw_ical, local_rev`

var qualifiedEventColumns = "e." + strings.ReplaceAll(eventColumns, ", ", ", e.")

// upsertEvent bumps local_rev on every overwrite. Callers that decided on a
// write from an earlier read append a WHERE on events.local_rev.
const upsertEvent = `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	 ON CONFLICT(calendar_id, uid) DO UPDATE SET
		href = excluded.href,
		summary = excluded.summary,
		description = excluded.description,
		location = excluded.location,
		dt_start = excluded.dt_start,
		dt_end = excluded.dt_end,
		all_day = excluded.all_day,
		timezone = excluded.timezone,
		rrule = excluded.rrule,
		organizer_email = excluded.organizer_email,
		organizer_name = excluded.organizer_name,
		attendees_json = excluded.attendees_json,
		reminders_json = excluded.reminders_json,
		status = excluded.status,
		created = excluded.created,
		last_modified = excluded.last_modified,
		etag = excluded.etag,
		sync_status = excluded.sync_status,
		raw_ical = excluded.raw_ical,
		local_rev = events.local_rev + 1`

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	e := &domain.Event{}
	var (
		start                        int64
		end, created, modified       sql.NullInt64
		etag                         sql.NullString
		attendees, reminders, status string
		syncStatus                   string
	)
	if err := row.Scan(
		&e.CalendarID, &e.UID, &e.Href, &e.Summary, &e.Description, &e.Location, &start, &end, &e.AllDay, &e.TimeZone, &e.RRule,
		&e.OrganizerEmail, &e.OrganizerName, &attendees, &reminders, &status, &created, &modified, &etag, &syncStatus, &e.RawICal,
		&e.Revision,
	); err != nil {
		return nil, err
	}
	e.Start = time.UnixMilli(start).UTC()
	e.End = fromMillis(end)
	e.Created = fromMillis(created)
	e.LastModified = fromMillis(modified)
	e.ETag = etag.String
	e.Status = domain.EventStatus(status)
	e.SyncStatus = domain.ParseSyncStatus(syncStatus)
	e.Attendees = ics.DecodeAttendees(attendees)
	e.Reminders = ics.DecodeReminders(reminders)
	return e, nil
}

func eventArgs(e *domain.Event) []any {
	status := e.Status
	if status == "" {
		status = domain.EventStatusConfirmed
	}
	syncStatus := e.SyncStatus
	if syncStatus == "" {
		syncStatus = domain.SyncStatusSynced
	}
	return []any{
		e.CalendarID, e.UID, e.Href, e.Summary, e.Description, e.Location, e.Start.UnixMilli(), toMillis(e.End), e.AllDay, e.TimeZone, e.RRule,
		e.OrganizerEmail, e.OrganizerName, ics.EncodeAttendees(e.Attendees), ics.EncodeReminders(e.Reminders), string(status),
		toMillis(e.Created), toMillis(e.LastModified), nullString(e.ETag), string(syncStatus), e.RawICal,
	}
}

func saveEvent(ex execer, e *domain.Event) error {
	_, err := ex.Exec(upsertEvent, eventArgs(e)...)
	return err
}

// saveEventAt writes e only if the stored row is still at revision rev.
// A new row is always inserted.
func saveEventAt(ex execer, e *domain.Event, rev int64) (bool, error) {
	res, err := ex.Exec(upsertEvent+`
	 WHERE events.local_rev = ?`, append(eventArgs(e), rev)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveEvent inserts or replaces an event keyed by calendar and UID.
func (s *Storage) SaveEvent(e *domain.Event) error {
	return saveEvent(s.db, e)
}

// GetEvent returns nil, nil when the event does not exist.
func (s *Storage) GetEvent(calendarID, uid string) (*domain.Event, error) {
	e, err := scanEvent(s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetEventByHref returns nil, nil when no event in the calendar has href.
func (s *Storage) GetEventByHref(calendarID, href string) (*domain.Event, error) {
	e, err := scanEvent(s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND href = ? LIMIT 1`, calendarID, href))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *Storage) ListEventsByCalendar(calendarID string) ([]*domain.Event, error) {
	return s.queryEvents(`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY dt_start ASC`, calendarID)
}

// ListEventsInRange returns events of visible calendars that overlap
// [from, to). Events waiting to be deleted on the server are hidden.
func (s *Storage) ListEventsInRange(from, to time.Time) ([]*domain.Event, error) {
	return s.queryEvents(
		`SELECT `+qualifiedEventColumns+`
		 FROM events e JOIN calendars c ON c.id = e.calendar_id
		 WHERE c.visible = 1
		   AND e.sync_status != ?
		   AND e.dt_start < ?
		   AND COALESCE(e.dt_end, e.dt_start) >= ?
		 ORDER BY e.dt_start ASC`,
		string(domain.SyncStatusPendingDelete), to.UnixMilli(), from.UnixMilli(),
	)
}

// SearchEvents matches query against summary, description and location.
func (s *Storage) SearchEvents(query string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.queryEvents(
		`SELECT `+eventColumns+` FROM events
		 WHERE sync_status != ?
		   AND (LOWER(summary) LIKE ? OR LOWER(description) LIKE ? OR LOWER(location) LIKE ?)
		 ORDER BY dt_start DESC
		 LIMIT ?`,
		string(domain.SyncStatusPendingDelete), pattern, pattern, pattern, limit,
	)
}

// ListPendingEvents returns every event of the account with an unpushed
// local mutation.
func (s *Storage) ListPendingEvents(accountID string) ([]*domain.Event, error) {
	return s.queryEvents(
		`SELECT `+qualifiedEventColumns+`
		 FROM events e JOIN calendars c ON c.id = e.calendar_id
		 WHERE c.account_id = ? AND e.sync_status != ?
		 ORDER BY e.calendar_id, e.uid`,
		accountID, string(domain.SyncStatusSynced),
	)
}

func (s *Storage) queryEvents(query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Storage) DeleteEvent(calendarID, uid string) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
	return err
}

// MarkEventSynced records a successful push of the event at revision rev.
// When the row changed in the meantime the server copy is still recorded as
// its base (href, etag) but the row stays pending, and false is returned.
func (s *Storage) MarkEventSynced(calendarID, uid, href, etag, raw string, rev int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE events SET sync_status = ?, href = ?, etag = ?, raw_ical = CASE WHEN ? = '' THEN raw_ical ELSE ? END
		 WHERE calendar_id = ? AND uid = ? AND local_rev = ?`,
		string(domain.SyncStatusSynced), href, nullString(etag), raw, raw, calendarID, uid, rev,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// the server now has the object, so a later edit is an update
		if _, err := tx.Exec(
			`UPDATE events SET href = ?, etag = ?,
				sync_status = CASE WHEN sync_status = ? THEN ? ELSE sync_status END
			 WHERE calendar_id = ? AND uid = ? AND sync_status != ?`,
			href, nullString(etag),
			string(domain.SyncStatusPendingCreate), string(domain.SyncStatusPendingUpdate),
			calendarID, uid, string(domain.SyncStatusSynced),
		); err != nil {
			return false, err
		}
	}
	return n > 0, tx.Commit()
}

// CalendarSync is the outcome of one calendar pass, applied atomically.
type CalendarSync struct {
	Upserts []*domain.Event
	Deletes []string
	// Base holds the local_rev each local event had when the pass read it.
	// Writes to a UID listed here only land if the row is unchanged; UIDs
	// without an entry are written unconditionally.
	Base      map[string]int64
	CTag      string
	SyncToken string
}

// ApplyCalendarSync writes the event changes and the new collection state of
// one calendar in a single transaction. Either all of it lands or none.
//
// UIDs whose row changed since the pass read it are returned and left alone.
// The collection state is then not advanced, so the next pass sees those
// resources again.
func (s *Storage) ApplyCalendarSync(calendarID string, cs CalendarSync) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var deferred []string
	for _, e := range cs.Upserts {
		e.CalendarID = calendarID
		rev, guarded := cs.Base[e.UID]
		if !guarded {
			if err := saveEvent(tx, e); err != nil {
				return nil, fmt.Errorf("save event %s: %w", e.UID, err)
			}
			continue
		}
		ok, err := saveEventAt(tx, e, rev)
		if err != nil {
			return nil, fmt.Errorf("save event %s: %w", e.UID, err)
		}
		if !ok {
			deferred = append(deferred, e.UID)
		}
	}
	for _, uid := range cs.Deletes {
		query := `DELETE FROM events WHERE calendar_id = ? AND uid = ?`
		args := []any{calendarID, uid}
		rev, guarded := cs.Base[uid]
		if guarded {
			query += ` AND local_rev = ?`
			args = append(args, rev)
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return nil, fmt.Errorf("delete event %s: %w", uid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if guarded && n == 0 {
			deferred = append(deferred, uid)
		}
	}

	if len(deferred) == 0 {
		if _, err := tx.Exec(
			`UPDATE calendars SET ctag = ?, sync_token = ? WHERE id = ?`,
			nullString(cs.CTag), nullString(cs.SyncToken), calendarID,
		); err != nil {
			return nil, fmt.Errorf("update calendar state: %w", err)
		}
	}
	return deferred, tx.Commit()
}

// ReplaceCalendars reconciles the stored calendar list of an account with a
// fresh listing. Calendars that disappeared are removed with their events.
func (s *Storage) ReplaceCalendars(accountID string, calendars []*domain.Calendar) (removed int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	keep := make(map[string]bool, len(calendars))
	for _, c := range calendars {
		keep[c.ID] = true
		if err := saveCalendar(tx, c); err != nil {
			return 0, fmt.Errorf("save calendar %s: %w", c.URL, err)
		}
	}

	rows, err := tx.Query(`SELECT id FROM calendars WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM calendars WHERE id = ?`, id); err != nil {
			return 0, err
		}
	}
	return len(stale), tx.Commit()
}
