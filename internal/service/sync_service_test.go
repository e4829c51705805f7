package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncFixture struct {
	store   *storage.Storage
	secrets *memSecrets
	server  *fakeCalDAV
	sync    *SyncService
	account *domain.Account
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := newFakeCalDAV()
	f.calendars = []caldav.CalendarInfo{
		{URL: personal, DisplayName: "Personal", CTag: "c1", SyncToken: "t1"},
		{URL: work, DisplayName: "Work", CTag: "w1", ReadOnly: true},
	}
	f.state[personal] = [2]string{"c1", "t1"}
	f.state[work] = [2]string{"w1", "wt1"}
	f.resources[personal] = []caldav.Resource{
		resource(personal, "a", `"a1"`, "Alpha"),
		resource(personal, "b", `"b1"`, "Beta"),
	}
	f.resources[work] = []caldav.Resource{resource(work, "w", `"w1"`, "Work item")}

	store := newTestStorage(t)
	secrets := newMemSecrets()
	acc := seedAccount(t, store, secrets, "alice", f)
	svc := NewSyncService(store, secrets, dialerFor(map[string]*fakeCalDAV{"alice": f}), NewAccountLocks(), nil, quietLogger())
	return &syncFixture{store: store, secrets: secrets, server: f, sync: svc, account: acc}
}

func (fx *syncFixture) calendarID(url string) string {
	return domain.CalendarID(fx.account.ID, url)
}

func TestSyncAccountInitialFullRefresh(t *testing.T) {
	fx := newSyncFixture(t)

	report, err := fx.sync.SyncAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Calendars != 2 || report.Created != 3 || report.FullRefreshes != 2 {
		t.Errorf("report = %+v", report)
	}

	events, _ := fx.store.ListEventsByCalendar(fx.calendarID(personal))
	if len(events) != 2 {
		t.Fatalf("personal events = %d, want 2", len(events))
	}
	a, _ := fx.store.GetEvent(fx.calendarID(personal), "a")
	if a == nil || a.Summary != "Alpha" || a.ETag != `"a1"` || a.Href != personal+"a.ics" || a.SyncStatus != domain.SyncStatusSynced {
		t.Errorf("event a = %+v", a)
	}

	cal, _ := fx.store.GetCalendar(fx.calendarID(personal))
	if cal.CTag != "c1" || cal.SyncToken != "t1" {
		t.Errorf("state = %q/%q, want c1/t1", cal.CTag, cal.SyncToken)
	}
	acc, _ := fx.store.GetAccount("alice")
	if acc.LastSyncAt == nil {
		t.Error("LastSyncAt not recorded")
	}
	if len(fx.server.syncCalls) != 0 {
		t.Errorf("sync-collection used without a token: %v", fx.server.syncCalls)
	}
}

func TestSyncAccountCtagGate(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	fetches := len(fx.server.fetches)

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Unchanged != 2 {
		t.Errorf("unchanged = %d, want 2", report.Unchanged)
	}
	if len(fx.server.fetches) != fetches || len(fx.server.syncCalls) != 0 {
		t.Errorf("unchanged calendars were fetched: fetches=%v sync=%v", fx.server.fetches, fx.server.syncCalls)
	}
}

func TestSyncAccountIncremental(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	srv := fx.server
	srv.calendars[0].CTag = "c2"
	changedA := resource(personal, "a", `"a2"`, "Alpha v2")
	newC := resource(personal, "c", `"c1"`, "Gamma")
	srv.objects[changedA.Href] = changedA
	srv.objects[newC.Href] = newC
	srv.changes[personal] = caldav.SyncCollection{
		SyncToken: "t2",
		Modified: []caldav.Resource{
			{Href: changedA.Href, ETag: `"a2"`},
			{Href: newC.Href, ETag: `"c1"`},
			// listed as modified but gone by the time it is fetched
			{Href: personal + "vanishing.ics", ETag: `"v"`},
		},
		Deleted: []string{personal + "b.ics"},
	}

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if len(srv.syncCalls) != 1 || srv.syncCalls[0] != personal+"@t1" {
		t.Errorf("sync calls = %v", srv.syncCalls)
	}
	if report.Created != 1 || report.Updated != 1 || report.Deleted != 1 || report.Unchanged != 1 {
		t.Errorf("report = %+v", report)
	}

	id := fx.calendarID(personal)
	if a, _ := fx.store.GetEvent(id, "a"); a == nil || a.Summary != "Alpha v2" || a.ETag != `"a2"` {
		t.Errorf("a = %+v", a)
	}
	if b, _ := fx.store.GetEvent(id, "b"); b != nil {
		t.Error("b not deleted")
	}
	if c, _ := fx.store.GetEvent(id, "c"); c == nil {
		t.Error("c not created")
	}
	cal, _ := fx.store.GetCalendar(id)
	if cal.CTag != "c2" || cal.SyncToken != "t2" {
		t.Errorf("state = %q/%q, want c2/t2", cal.CTag, cal.SyncToken)
	}
}

func TestSyncAccountInvalidTokenFallsBackToFullRefresh(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	srv := fx.server
	srv.calendars[0].CTag = "c3"
	srv.state[personal] = [2]string{"c3", "t3"}
	srv.syncErr[personal] = &caldav.Error{Kind: caldav.KindTokenInvalid, Op: "sync collection", StatusCode: http.StatusForbidden}
	srv.resources[personal] = []caldav.Resource{resource(personal, "a", `"a3"`, "Alpha v3")}

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.FullRefreshes != 1 || report.Updated != 1 || report.Deleted != 1 {
		t.Errorf("report = %+v", report)
	}
	cal, _ := fx.store.GetCalendar(fx.calendarID(personal))
	if cal.CTag != "c3" || cal.SyncToken != "t3" {
		t.Errorf("state = %q/%q, want c3/t3", cal.CTag, cal.SyncToken)
	}
}

func TestSyncAccountKeepsPendingCreatesOnFullRefresh(t *testing.T) {
	fx := newSyncFixture(t)
	id := fx.calendarID(personal)
	if err := fx.store.SaveEvent(localEvent(id, personal, "draft", "", domain.SyncStatusPendingCreate)); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := fx.store.SaveEvent(localEvent(id, personal, "edited", `"old"`, domain.SyncStatusPendingUpdate)); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	report, err := fx.sync.SyncAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if e, _ := fx.store.GetEvent(id, "draft"); e == nil || e.SyncStatus != domain.SyncStatusPendingCreate {
		t.Errorf("pending create lost: %+v", e)
	}
	if e, _ := fx.store.GetEvent(id, "edited"); e != nil {
		t.Error("pending update of a deleted server event survived")
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].UID != "edited" || report.Conflicts[0].Kind != domain.ConflictStale {
		t.Errorf("conflicts = %+v", report.Conflicts)
	}
}

func TestSyncAccountRemovesVanishedCalendars(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	fx.store.SetCalendarVisible(fx.calendarID(personal), false)

	fx.server.calendars = fx.server.calendars[:1]
	fx.server.calendars[0].DisplayName = "Personal (renamed)"

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Calendars != 1 {
		t.Errorf("calendars = %d", report.Calendars)
	}
	cals, _ := fx.store.ListCalendars("alice")
	if len(cals) != 1 || cals[0].DisplayName != "Personal (renamed)" {
		t.Fatalf("calendars = %+v", cals)
	}
	if cals[0].Visible {
		t.Error("visibility reset by listing")
	}
	if e, _ := fx.store.GetEvent(fx.calendarID(work), "w"); e != nil {
		t.Error("events of vanished calendar survived")
	}
}

func TestSyncAccountErrors(t *testing.T) {
	t.Run("missing calendar is skipped", func(t *testing.T) {
		fx := newSyncFixture(t)
		fx.server.calErr[work] = &caldav.Error{Kind: caldav.KindNotFound, Op: "fetch calendar", StatusCode: http.StatusNotFound}

		report, err := fx.sync.SyncAccount(context.Background(), "alice")
		if err != nil {
			t.Fatalf("SyncAccount: %v", err)
		}
		if report.Skipped != 1 || report.Created != 2 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("auth failure aborts without writes", func(t *testing.T) {
		fx := newSyncFixture(t)
		fx.server.calErr[personal] = &caldav.Error{Kind: caldav.KindAuth, Op: "fetch calendar", StatusCode: http.StatusUnauthorized}

		_, err := fx.sync.SyncAccount(context.Background(), "alice")
		if !caldav.IsKind(err, caldav.KindAuth) {
			t.Fatalf("err = %v, want auth", err)
		}
		if caldav.Summarize(err) != "login failed" {
			t.Errorf("summary = %q", caldav.Summarize(err))
		}
		cal, _ := fx.store.GetCalendar(fx.calendarID(personal))
		if cal.CTag != "" {
			t.Errorf("ctag advanced after failure: %q", cal.CTag)
		}
	})

	t.Run("empty listing", func(t *testing.T) {
		fx := newSyncFixture(t)
		fx.server.calendars = nil
		_, err := fx.sync.SyncAccount(context.Background(), "alice")
		if !errors.Is(err, caldav.ErrNoCalendars) {
			t.Fatalf("err = %v, want ErrNoCalendars", err)
		}
		if cals, _ := fx.store.ListCalendars("alice"); len(cals) != 2 {
			t.Errorf("calendars dropped on empty listing: %d", len(cals))
		}
	})

	t.Run("malformed object is skipped", func(t *testing.T) {
		fx := newSyncFixture(t)
		fx.server.resources[personal] = append(fx.server.resources[personal],
			caldav.Resource{Href: personal + "broken.ics", ETag: `"x"`, Data: "not a calendar"})

		report, err := fx.sync.SyncAccount(context.Background(), "alice")
		if err != nil {
			t.Fatalf("SyncAccount: %v", err)
		}
		if report.Skipped != 1 || report.Created != 3 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		fx := newSyncFixture(t)
		if _, err := fx.sync.SyncAccount(context.Background(), "bob"); !errors.Is(err, ErrAccountNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		fx := newSyncFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := fx.sync.SyncAccount(ctx, "alice"); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestSyncAll(t *testing.T) {
	alice := newFakeCalDAV()
	alice.calendars = []caldav.CalendarInfo{{URL: personal, DisplayName: "Personal", CTag: "c1"}}
	alice.resources[personal] = []caldav.Resource{resource(personal, "a", `"1"`, "A")}

	bob := newFakeCalDAV()
	bob.calendars = []caldav.CalendarInfo{{URL: work, DisplayName: "Work", CTag: "w1"}}
	bob.listErr = &caldav.Error{Kind: caldav.KindTransport, Op: "list calendars", Err: io.ErrUnexpectedEOF}

	store := newTestStorage(t)
	secrets := newMemSecrets()
	seedAccount(t, store, secrets, "alice", alice)
	seedAccount(t, store, secrets, "bob", bob)

	svc := NewSyncService(store, secrets, dialerFor(map[string]*fakeCalDAV{"alice": alice, "bob": bob}), NewAccountLocks(), nil, quietLogger())
	reports, err := svc.SyncAll(context.Background())
	if err == nil {
		t.Fatal("expected bob's failure")
	}
	if !caldav.IsKind(err, caldav.KindTransport) {
		t.Errorf("joined error lost its kind: %v", err)
	}
	if len(reports) != 1 || reports["alice"] == nil || reports["alice"].Created != 1 {
		t.Errorf("reports = %+v", reports)
	}
}

func TestSyncAccountDefersEventsEditedDuringPass(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	id := fx.calendarID(personal)

	srv := fx.server
	srv.calendars[0].CTag = "c2"
	changedA := resource(personal, "a", `"a2"`, "Alpha v2")
	srv.objects[changedA.Href] = changedA
	srv.changes[personal] = caldav.SyncCollection{
		SyncToken: "t2",
		Modified:  []caldav.Resource{{Href: changedA.Href, ETag: `"a2"`}},
	}

	events := NewEventService(fx.store)
	srv.onCall = func(op, target string) {
		if op != "sync" {
			return
		}
		srv.onCall = nil
		e, _ := fx.store.GetEvent(id, "a")
		e.Summary = "local edit"
		if _, err := events.Update(ctx, *e); err != nil {
			t.Errorf("Update: %v", err)
		}
	}

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Deferred != 1 || report.Updated != 0 {
		t.Errorf("report = %+v", report)
	}
	a, _ := fx.store.GetEvent(id, "a")
	if a.Summary != "local edit" || a.SyncStatus != domain.SyncStatusPendingUpdate || a.ETag != `"a1"` {
		t.Fatalf("edit overwritten: %q %s %s", a.Summary, a.SyncStatus, a.ETag)
	}
	cal, _ := fx.store.GetCalendar(id)
	if cal.CTag != "c1" || cal.SyncToken != "t1" {
		t.Errorf("state advanced to %q/%q", cal.CTag, cal.SyncToken)
	}

	// the next pass sees the change again and resolves it against the edit
	report, err = fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("next sync: %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].UID != "a" || report.Conflicts[0].Kind != domain.ConflictStale {
		t.Errorf("conflicts = %+v", report.Conflicts)
	}
	a, _ = fx.store.GetEvent(id, "a")
	if a.Summary != "Alpha v2" || a.ETag != `"a2"` {
		t.Errorf("event a = %q %s", a.Summary, a.ETag)
	}
	cal, _ = fx.store.GetCalendar(id)
	if cal.SyncToken != "t2" {
		t.Errorf("token = %q, want t2", cal.SyncToken)
	}
}

func TestSyncAccountKeepsUnreadableResourcesOnFullRefresh(t *testing.T) {
	fx := newSyncFixture(t)
	ctx := context.Background()
	if _, err := fx.sync.SyncAccount(ctx, "alice"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	id := fx.calendarID(personal)
	b, _ := fx.store.GetEvent(id, "b")
	b.SyncStatus = domain.SyncStatusPendingUpdate
	fx.store.SaveEvent(b)

	srv := fx.server
	srv.calendars[0].CTag = "c2"
	srv.syncErr[personal] = &caldav.Error{Kind: caldav.KindTokenInvalid, Op: "sync collection", StatusCode: http.StatusForbidden}
	srv.resources[personal] = []caldav.Resource{
		resource(personal, "a", `"a1"`, "Alpha"),
		{Href: personal + "b.ics", ETag: `"b2"`, Data: "not a calendar"},
	}

	report, err := fx.sync.SyncAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Skipped != 1 || report.Deleted != 0 {
		t.Errorf("report = %+v", report)
	}
	if got, _ := fx.store.GetEvent(id, "b"); got == nil || got.SyncStatus != domain.SyncStatusPendingUpdate {
		t.Errorf("event b after pass = %+v", got)
	}
}

func TestSyncAccountStopsBetweenCalendars(t *testing.T) {
	fx := newSyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.server.onCall = func(op, target string) {
		if op == "fetch" && target == personal {
			cancel()
		}
	}

	_, err := fx.sync.SyncAccount(ctx, "alice")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	first, _ := fx.store.GetCalendar(fx.calendarID(personal))
	if first.CTag != "c1" || first.SyncToken != "t1" {
		t.Errorf("first calendar state = %q/%q, want c1/t1", first.CTag, first.SyncToken)
	}
	if events, _ := fx.store.ListEventsByCalendar(first.ID); len(events) != 2 {
		t.Errorf("first calendar events = %d, want 2", len(events))
	}

	second, _ := fx.store.GetCalendar(fx.calendarID(work))
	if second.CTag != "" || second.SyncToken != "" {
		t.Errorf("second calendar state = %q/%q, want untouched", second.CTag, second.SyncToken)
	}
	if events, _ := fx.store.ListEventsByCalendar(second.ID); len(events) != 0 {
		t.Errorf("second calendar events = %d, want 0", len(events))
	}
	if acc, _ := fx.store.GetAccount("alice"); acc.LastSyncAt != nil {
		t.Error("interrupted pass recorded as synced")
	}
}

// holdingCalDAV parks every ListCalendars and PutObject call until released
// and records how many were in flight at once.
type holdingCalDAV struct {
	*fakeCalDAV
	entered chan string
	release chan struct{}

	mu     sync.Mutex
	active int
	peak   int
}

func (h *holdingCalDAV) hold(op string) {
	h.mu.Lock()
	h.active++
	h.peak = max(h.peak, h.active)
	h.mu.Unlock()

	h.entered <- op
	<-h.release

	h.mu.Lock()
	h.active--
	h.mu.Unlock()
}

func (h *holdingCalDAV) ListCalendars(ctx context.Context, homeURL string) ([]caldav.CalendarInfo, error) {
	h.hold("list")
	return h.fakeCalDAV.ListCalendars(ctx, homeURL)
}

func (h *holdingCalDAV) PutObject(ctx context.Context, href string, cal *ical.Calendar, ifMatch string) (string, error) {
	h.hold("put")
	return h.fakeCalDAV.PutObject(ctx, href, cal, ifMatch)
}

func TestSyncAndPushOfOneAccountSerialize(t *testing.T) {
	f := newFakeCalDAV()
	f.calendars = []caldav.CalendarInfo{{URL: personal, DisplayName: "Personal", CTag: "c1"}}
	f.putETag = `"p1"`
	h := &holdingCalDAV{fakeCalDAV: f, entered: make(chan string, 2), release: make(chan struct{})}

	store := newTestStorage(t)
	secrets := newMemSecrets()
	seedAccount(t, store, secrets, "alice", f)
	store.SaveEvent(localEvent(domain.CalendarID("alice", personal), personal, "n", "", domain.SyncStatusPendingCreate))

	dial := func(serverURL, username, password string) (CalDAV, error) { return h, nil }
	locks := NewAccountLocks()
	syncSvc := NewSyncService(store, secrets, dial, locks, nil, quietLogger())
	pushSvc := NewPushService(store, secrets, dial, locks, nil, quietLogger())

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() {
		_, err := syncSvc.SyncAccount(ctx, "alice")
		errs <- err
	}()
	if op := <-h.entered; op != "list" {
		t.Fatalf("first call = %s, want list", op)
	}

	go func() {
		_, err := pushSvc.PushAccount(ctx, "alice")
		errs <- err
	}()
	select {
	case op := <-h.entered:
		t.Fatalf("%s ran while the sync pass held the account", op)
	case <-time.After(50 * time.Millisecond):
	}

	h.release <- struct{}{}
	if op := <-h.entered; op != "put" {
		t.Fatalf("second call = %s, want put", op)
	}
	h.release <- struct{}{}

	for range 2 {
		if err := <-errs; err != nil {
			t.Errorf("pass failed: %v", err)
		}
	}
	if h.peak != 1 {
		t.Errorf("peak concurrent calls = %d, want 1", h.peak)
	}
}
