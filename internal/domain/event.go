package domain

import "time"

// SyncStatus tracks whether a local event still has to be pushed upstream.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "SYNCED"
	SyncStatusPendingCreate SyncStatus = "PENDING_CREATE"
	SyncStatusPendingUpdate SyncStatus = "PENDING_UPDATE"
	SyncStatusPendingDelete SyncStatus = "PENDING_DELETE"
)

// IsPending is true for every status except SYNCED.
func (s SyncStatus) IsPending() bool {
	return s != SyncStatusSynced
}

// ParseSyncStatus maps stored text back to a status, defaulting to SYNCED.
func ParseSyncStatus(s string) SyncStatus {
	switch SyncStatus(s) {
	case SyncStatusPendingCreate, SyncStatusPendingUpdate, SyncStatusPendingDelete:
		return SyncStatus(s)
	default:
		return SyncStatusSynced
	}
}

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "CONFIRMED"
	EventStatusTentative EventStatus = "TENTATIVE"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// Event is a single VEVENT as stored locally.
type Event struct {
	UID            string
	CalendarID     string
	Href           string // resource URL on the server
	Summary        string
	Description    string
	Location       string
	Start          time.Time
	End            *time.Time
	AllDay         bool
	TimeZone       string
	RRule          string
	OrganizerEmail string
	OrganizerName  string
	Attendees      []Attendee
	Reminders      []Reminder
	Status         EventStatus
	Created        *time.Time
	LastModified   *time.Time
	ETag           string
	SyncStatus     SyncStatus
	RawICal        string
	// Revision is bumped by the store on every write of the row.
	Revision int64
}

// Attendee is an ATTENDEE line. Empty strings mean the parameter was absent.
type Attendee struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Reminder is a VALARM with its TRIGGER kept verbatim.
type Reminder struct {
	Trigger string `json:"trigger"`
	Action  string `json:"action"`
}

// Conflict kinds reported by the reconciler.
type ConflictKind string

const (
	// ConflictStale means a pending local mutation was superseded by a newer server copy.
	ConflictStale ConflictKind = "stale"
	// ConflictAhead means a pending local mutation was kept because the server copy is unchanged.
	ConflictAhead ConflictKind = "ahead"
)

type Conflict struct {
	CalendarID  string
	UID         string
	Kind        ConflictKind
	LocalStatus SyncStatus
	LocalETag   string
	RemoteETag  string
}
