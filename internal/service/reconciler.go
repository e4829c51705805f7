package service

import (
	"maps"
	"slices"

	"github.com/tazhate/caldavsync/internal/domain"
)

// Changeset is what the server reported for one calendar.
type Changeset struct {
	// Upserts are remote events decoded from changed resources.
	Upserts []domain.Event
	// Deleted are UIDs of local events whose resource is gone.
	Deleted []string
	// Full means Upserts is the complete remote content: locals missing
	// from it are gone too.
	Full bool
	// Unreadable are UIDs of local events whose resource is still on the
	// server but could not be decoded. A full refresh leaves them alone.
	Unreadable []string
}

// Plan is the store mutation Reconcile decided on.
type Plan struct {
	Upserts   []*domain.Event
	Deletes   []string
	Created   int
	Updated   int
	Kept      int
	Conflicts []domain.Conflict
}

// Reconcile merges remote changes into the local events of one calendar,
// keyed by UID. Local SYNCED events always take the remote version. Pending
// local mutations survive only while the server still has the version they
// were made against.
func Reconcile(calendarID string, changes Changeset, local map[string]domain.Event) Plan {
	var plan Plan
	seen := make(map[string]bool, len(changes.Upserts))

	conflict := func(l domain.Event, kind domain.ConflictKind, remoteETag string) {
		plan.Conflicts = append(plan.Conflicts, domain.Conflict{
			CalendarID:  calendarID,
			UID:         l.UID,
			Kind:        kind,
			LocalStatus: l.SyncStatus,
			LocalETag:   l.ETag,
			RemoteETag:  remoteETag,
		})
	}

	for i := range changes.Upserts {
		remote := changes.Upserts[i]
		remote.CalendarID = calendarID
		remote.SyncStatus = domain.SyncStatusSynced
		seen[remote.UID] = true

		l, exists := local[remote.UID]
		switch {
		case !exists:
			plan.Upserts = append(plan.Upserts, &remote)
			plan.Created++
		case !l.SyncStatus.IsPending():
			if l.ETag != "" && l.ETag == remote.ETag {
				continue
			}
			plan.Upserts = append(plan.Upserts, &remote)
			plan.Updated++
		case l.ETag != "" && l.ETag == remote.ETag:
			// server still holds the version the local edit is based on
			plan.Kept++
			conflict(l, domain.ConflictAhead, remote.ETag)
		default:
			plan.Upserts = append(plan.Upserts, &remote)
			plan.Updated++
			conflict(l, domain.ConflictStale, remote.ETag)
		}
	}

	drop := func(l domain.Event) {
		switch l.SyncStatus {
		case domain.SyncStatusPendingCreate:
			plan.Kept++
		case domain.SyncStatusPendingUpdate:
			plan.Deletes = append(plan.Deletes, l.UID)
			conflict(l, domain.ConflictStale, "")
		default:
			plan.Deletes = append(plan.Deletes, l.UID)
		}
	}

	deleted := make(map[string]bool, len(changes.Deleted))
	for _, uid := range changes.Deleted {
		if seen[uid] || deleted[uid] {
			continue
		}
		deleted[uid] = true
		if l, ok := local[uid]; ok {
			drop(l)
		}
	}

	if changes.Full {
		for _, uid := range changes.Unreadable {
			seen[uid] = true
		}
		for _, uid := range slices.Sorted(maps.Keys(local)) {
			if seen[uid] || deleted[uid] {
				continue
			}
			drop(local[uid])
		}
	}

	return plan
}
