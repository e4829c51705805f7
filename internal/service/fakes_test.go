package service

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
	"github.com/tazhate/caldavsync/internal/ics"
	"github.com/tazhate/caldavsync/internal/storage"
)

const (
	testServer = "https://cloud.example.com"
	testHome   = testServer + "/remote.php/dav/calendars/alice/"
	personal   = testHome + "personal/"
	work       = testHome + "work/"
)

type putCall struct {
	href    string
	ifMatch string
	data    string
}

type deleteCall struct {
	href    string
	ifMatch string
}

// fakeCalDAV is an in-memory server with scripted answers.
type fakeCalDAV struct {
	mu sync.Mutex

	discovery caldav.Discovery
	calendars []caldav.CalendarInfo
	listErr   error

	state     map[string][2]string // url -> ctag, token
	resources map[string][]caldav.Resource
	changes   map[string]caldav.SyncCollection
	syncErr   map[string]error
	calErr    map[string]error
	objects   map[string]caldav.Resource

	putETag   string
	putErr    map[string]error
	deleteErr map[string]error

	puts      []putCall
	deletes   []deleteCall
	syncCalls []string
	fetches   []string

	// onCall runs before "sync", "fetch" and "put" calls, outside the lock.
	onCall func(op, target string)
}

func newFakeCalDAV() *fakeCalDAV {
	return &fakeCalDAV{
		discovery: caldav.Discovery{
			PrincipalURL:    testServer + "/remote.php/dav/principals/users/alice/",
			CalendarHomeURL: testHome,
		},
		state:     map[string][2]string{},
		resources: map[string][]caldav.Resource{},
		changes:   map[string]caldav.SyncCollection{},
		syncErr:   map[string]error{},
		calErr:    map[string]error{},
		objects:   map[string]caldav.Resource{},
		putErr:    map[string]error{},
		deleteErr: map[string]error{},
	}
}

func statusErr(op string, code int) error {
	kind := caldav.KindServer
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = caldav.KindAuth
	case http.StatusNotFound:
		kind = caldav.KindNotFound
	case http.StatusPreconditionFailed:
		kind = caldav.KindPrecondition
	}
	return &caldav.Error{Kind: kind, Op: op, StatusCode: code}
}

func (f *fakeCalDAV) Discover(ctx context.Context) (caldav.Discovery, error) {
	if f.listErr != nil {
		return caldav.Discovery{}, f.listErr
	}
	return f.discovery, nil
}

func (f *fakeCalDAV) ListCalendars(ctx context.Context, homeURL string) ([]caldav.CalendarInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]caldav.CalendarInfo(nil), f.calendars...), nil
}

func (f *fakeCalDAV) CollectionState(ctx context.Context, url string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.calErr[url]; err != nil {
		return "", "", err
	}
	s := f.state[url]
	return s[0], s[1], nil
}

func (f *fakeCalDAV) called(op, target string) {
	if f.onCall != nil {
		f.onCall(op, target)
	}
}

func (f *fakeCalDAV) SyncCollection(ctx context.Context, url, token string) (caldav.SyncCollection, error) {
	f.called("sync", url)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, url+"@"+token)
	if err := f.calErr[url]; err != nil {
		return caldav.SyncCollection{}, err
	}
	if err := f.syncErr[url]; err != nil {
		return caldav.SyncCollection{}, err
	}
	return f.changes[url], nil
}

func (f *fakeCalDAV) FetchAll(ctx context.Context, url string) ([]caldav.Resource, error) {
	f.called("fetch", url)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, url)
	if err := f.calErr[url]; err != nil {
		return nil, err
	}
	return f.resources[url], nil
}

func (f *fakeCalDAV) GetObject(ctx context.Context, href string) (caldav.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[href]
	if !ok {
		return caldav.Resource{}, statusErr("get object", http.StatusNotFound)
	}
	return obj, nil
}

func (f *fakeCalDAV) PutObject(ctx context.Context, href string, cal *ical.Calendar, ifMatch string) (string, error) {
	f.called("put", href)
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := ics.Serialize(cal)
	if err != nil {
		return "", err
	}
	f.puts = append(f.puts, putCall{href: href, ifMatch: ifMatch, data: data})
	if err := f.putErr[href]; err != nil {
		return "", err
	}
	f.objects[href] = caldav.Resource{Href: href, ETag: fmt.Sprintf(`"srv-%d"`, len(f.puts)), Data: data}
	return f.putETag, nil
}

func (f *fakeCalDAV) DeleteObject(ctx context.Context, href, ifMatch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{href: href, ifMatch: ifMatch})
	if err := f.deleteErr[href]; err != nil {
		return err
	}
	delete(f.objects, href)
	return nil
}

// memSecrets is an in-memory Secrets.
type memSecrets struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemSecrets() *memSecrets {
	return &memSecrets{m: map[string]string{}}
}

func (s *memSecrets) Lookup(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	if !ok {
		return "", fmt.Errorf("no secret for %s", id)
	}
	return v, nil
}

func (s *memSecrets) Save(id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = secret
	return nil
}

func (s *memSecrets) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
	return nil
}

// dialerFor returns a Dialer handing out the fake registered for each
// username.
func dialerFor(servers map[string]*fakeCalDAV) Dialer {
	return func(serverURL, username, password string) (CalDAV, error) {
		f, ok := servers[username]
		if !ok {
			return nil, fmt.Errorf("no server for %s", username)
		}
		return f, nil
	}
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedAccount stores an account whose calendars mirror the fake's listing.
func seedAccount(t *testing.T, s *storage.Storage, secrets *memSecrets, id string, f *fakeCalDAV) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		ID:              id,
		ServerURL:       testServer,
		Username:        id,
		PrincipalURL:    f.discovery.PrincipalURL,
		CalendarHomeURL: f.discovery.CalendarHomeURL,
		IsDefault:       true,
	}
	var cals []*domain.Calendar
	for i, info := range f.calendars {
		cals = append(cals, &domain.Calendar{
			ID:          domain.CalendarID(id, info.URL),
			AccountID:   id,
			DisplayName: info.DisplayName,
			URL:         info.URL,
			ReadOnly:    info.ReadOnly,
			Visible:     true,
			SortOrder:   i,
		})
	}
	if err := s.CreateAccount(acc, cals); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	secrets.Save(id, "secret")
	return acc
}

func vevent(uid, summary string) string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20260101T000000Z",
		"DTSTART:20260301T090000Z",
		"DTEND:20260301T100000Z",
		"SUMMARY:" + summary,
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
}

func resource(calURL, uid, etag, summary string) caldav.Resource {
	return caldav.Resource{Href: calURL + uid + ".ics", ETag: etag, Data: vevent(uid, summary)}
}

func localEvent(calendarID, calURL, uid, etag string, status domain.SyncStatus) *domain.Event {
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Event{
		CalendarID: calendarID,
		UID:        uid,
		Href:       calURL + uid + ".ics",
		Summary:    "local " + uid,
		Start:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		End:        &end,
		ETag:       etag,
		SyncStatus: status,
		Status:     domain.EventStatusConfirmed,
	}
}
