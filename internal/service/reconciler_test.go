package service

import (
	"testing"

	"github.com/tazhate/caldavsync/internal/domain"
)

func remoteEvent(uid, etag string) domain.Event {
	return domain.Event{UID: uid, ETag: etag, Summary: "remote " + uid}
}

func locals(events ...domain.Event) map[string]domain.Event {
	m := make(map[string]domain.Event, len(events))
	for _, e := range events {
		m[e.UID] = e
	}
	return m
}

func withStatus(uid, etag string, status domain.SyncStatus) domain.Event {
	return domain.Event{UID: uid, ETag: etag, SyncStatus: status, Summary: "local " + uid}
}

func upsertUIDs(p Plan) []string {
	var uids []string
	for _, e := range p.Upserts {
		uids = append(uids, e.UID)
	}
	return uids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name          string
		changes       Changeset
		local         map[string]domain.Event
		wantUpserts   []string
		wantDeletes   []string
		wantConflicts map[string]domain.ConflictKind
		wantCreated   int
		wantUpdated   int
		wantKept      int
	}{
		{
			name:        "new remote event",
			changes:     Changeset{Upserts: []domain.Event{remoteEvent("a", `"1"`)}},
			wantUpserts: []string{"a"},
			wantCreated: 1,
		},
		{
			name:        "synced local overwritten",
			changes:     Changeset{Upserts: []domain.Event{remoteEvent("a", `"2"`)}},
			local:       locals(withStatus("a", `"1"`, domain.SyncStatusSynced)),
			wantUpserts: []string{"a"},
			wantUpdated: 1,
		},
		{
			name:    "synced local with same etag untouched",
			changes: Changeset{Upserts: []domain.Event{remoteEvent("a", `"1"`)}},
			local:   locals(withStatus("a", `"1"`, domain.SyncStatusSynced)),
		},
		{
			name:          "pending update ahead of unchanged server",
			changes:       Changeset{Upserts: []domain.Event{remoteEvent("a", `"1"`)}},
			local:         locals(withStatus("a", `"1"`, domain.SyncStatusPendingUpdate)),
			wantConflicts: map[string]domain.ConflictKind{"a": domain.ConflictAhead},
			wantKept:      1,
		},
		{
			name:          "pending update behind changed server",
			changes:       Changeset{Upserts: []domain.Event{remoteEvent("a", `"2"`)}},
			local:         locals(withStatus("a", `"1"`, domain.SyncStatusPendingUpdate)),
			wantUpserts:   []string{"a"},
			wantConflicts: map[string]domain.ConflictKind{"a": domain.ConflictStale},
			wantUpdated:   1,
		},
		{
			name:          "pending create colliding with server uid",
			changes:       Changeset{Upserts: []domain.Event{remoteEvent("a", `"9"`)}},
			local:         locals(withStatus("a", "", domain.SyncStatusPendingCreate)),
			wantUpserts:   []string{"a"},
			wantConflicts: map[string]domain.ConflictKind{"a": domain.ConflictStale},
			wantUpdated:   1,
		},
		{
			name:          "pending delete behind changed server",
			changes:       Changeset{Upserts: []domain.Event{remoteEvent("a", `"2"`)}},
			local:         locals(withStatus("a", `"1"`, domain.SyncStatusPendingDelete)),
			wantUpserts:   []string{"a"},
			wantConflicts: map[string]domain.ConflictKind{"a": domain.ConflictStale},
			wantUpdated:   1,
		},
		{
			name:        "remote delete of synced",
			changes:     Changeset{Deleted: []string{"a"}},
			local:       locals(withStatus("a", `"1"`, domain.SyncStatusSynced)),
			wantDeletes: []string{"a"},
		},
		{
			name:        "remote delete of pending delete",
			changes:     Changeset{Deleted: []string{"a"}},
			local:       locals(withStatus("a", `"1"`, domain.SyncStatusPendingDelete)),
			wantDeletes: []string{"a"},
		},
		{
			name:          "remote delete of pending update",
			changes:       Changeset{Deleted: []string{"a"}},
			local:         locals(withStatus("a", `"1"`, domain.SyncStatusPendingUpdate)),
			wantDeletes:   []string{"a"},
			wantConflicts: map[string]domain.ConflictKind{"a": domain.ConflictStale},
		},
		{
			name:     "remote delete of pending create",
			changes:  Changeset{Deleted: []string{"a"}},
			local:    locals(withStatus("a", "", domain.SyncStatusPendingCreate)),
			wantKept: 1,
		},
		{
			name:    "remote delete of unknown uid",
			changes: Changeset{Deleted: []string{"ghost"}},
		},
		{
			name: "full refresh drops missing locals",
			changes: Changeset{
				Full:    true,
				Upserts: []domain.Event{remoteEvent("keep", `"1"`)},
			},
			local: locals(
				withStatus("keep", `"1"`, domain.SyncStatusSynced),
				withStatus("synced", `"1"`, domain.SyncStatusSynced),
				withStatus("pdelete", `"1"`, domain.SyncStatusPendingDelete),
				withStatus("pupdate", `"1"`, domain.SyncStatusPendingUpdate),
				withStatus("pcreate", "", domain.SyncStatusPendingCreate),
			),
			wantDeletes:   []string{"pdelete", "pupdate", "synced"},
			wantConflicts: map[string]domain.ConflictKind{"pupdate": domain.ConflictStale},
			wantKept:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := tt.local
			if local == nil {
				local = map[string]domain.Event{}
			}
			plan := Reconcile("cal", tt.changes, local)

			if got := upsertUIDs(plan); !equalStrings(got, tt.wantUpserts) {
				t.Errorf("upserts = %v, want %v", got, tt.wantUpserts)
			}
			if !equalStrings(plan.Deletes, tt.wantDeletes) {
				t.Errorf("deletes = %v, want %v", plan.Deletes, tt.wantDeletes)
			}
			if len(plan.Conflicts) != len(tt.wantConflicts) {
				t.Errorf("conflicts = %+v, want %v", plan.Conflicts, tt.wantConflicts)
			}
			for _, c := range plan.Conflicts {
				if want, ok := tt.wantConflicts[c.UID]; !ok || c.Kind != want {
					t.Errorf("conflict %s = %s, want %s", c.UID, c.Kind, want)
				}
				if c.CalendarID != "cal" {
					t.Errorf("conflict calendar = %s", c.CalendarID)
				}
			}
			if plan.Created != tt.wantCreated || plan.Updated != tt.wantUpdated || plan.Kept != tt.wantKept {
				t.Errorf("created/updated/kept = %d/%d/%d, want %d/%d/%d",
					plan.Created, plan.Updated, plan.Kept, tt.wantCreated, tt.wantUpdated, tt.wantKept)
			}
			for _, e := range plan.Upserts {
				if e.SyncStatus != domain.SyncStatusSynced || e.CalendarID != "cal" {
					t.Errorf("upsert %s has status %s calendar %s", e.UID, e.SyncStatus, e.CalendarID)
				}
			}
		})
	}
}

func TestReconcileUpsertsAreIndependentCopies(t *testing.T) {
	changes := Changeset{Upserts: []domain.Event{remoteEvent("a", `"1"`), remoteEvent("b", `"1"`)}}
	plan := Reconcile("cal", changes, map[string]domain.Event{})
	if len(plan.Upserts) != 2 || plan.Upserts[0] == plan.Upserts[1] {
		t.Fatalf("upserts share storage: %+v", plan.Upserts)
	}
	if plan.Upserts[0].UID != "a" || plan.Upserts[1].UID != "b" {
		t.Errorf("order = %s, %s", plan.Upserts[0].UID, plan.Upserts[1].UID)
	}
}
