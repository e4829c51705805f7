package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "caldavsync/1.0"

	// cap on response bodies read into memory
	maxBodySize = 32 << 20
)

// Options configure a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Parse     ParseOptions
	// Transport overrides http.DefaultTransport, mostly for tests.
	Transport http.RoundTripper
}

// Client talks WebDAV/CalDAV to one account's server using Basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	opts     Options
	http     webdav.HTTPClient
	dav      *caldav.Client
}

// NewClient creates a client rooted at baseURL. No request is made.
func NewClient(baseURL, username, password string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	httpClient := &http.Client{
		Transport: &exchangeTransport{userAgent: opts.UserAgent, base: base},
		Timeout:   opts.Timeout,
	}
	authed := webdav.HTTPClientWithBasicAuth(httpClient, username, password)

	dav, err := caldav.NewClient(authed, baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		opts:     opts,
		http:     authed,
		dav:      dav,
	}, nil
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsConfigured returns true if the client has credentials
func (c *Client) IsConfigured() bool {
	return c.username != "" && c.password != ""
}

// exchange carries per-request preconditions in and the response status out
// of calls that go through go-webdav, which hides both.
type exchange struct {
	ifMatch     string
	ifNoneMatch string

	status int
	etag   string
}

type exchangeKey struct{}

func withExchange(ctx context.Context, ex *exchange) context.Context {
	return context.WithValue(ctx, exchangeKey{}, ex)
}

// exchangeTransport sets the User-Agent and any preconditions, and records
// the response status for the request's exchange.
type exchangeTransport struct {
	userAgent string
	base      http.RoundTripper
}

func (t *exchangeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)

	ex, _ := req.Context().Value(exchangeKey{}).(*exchange)
	if ex != nil {
		if ex.ifMatch != "" {
			req.Header.Set("If-Match", ex.ifMatch)
		}
		if ex.ifNoneMatch != "" {
			req.Header.Set("If-None-Match", ex.ifNoneMatch)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if ex != nil {
		ex.status = resp.StatusCode
		ex.etag = resp.Header.Get("ETag")
	}
	return resp, nil
}

// request performs a raw WebDAV request and returns the body of a 2xx response.
func (c *Client) request(ctx context.Context, op, method, target, depth string, body []byte) ([]byte, http.Header, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, &Error{Kind: KindTransport, Op: op, Err: err}
	}

	if resp.StatusCode/100 != 2 {
		e := newStatusError(op, resp.StatusCode)
		if resp.StatusCode == http.StatusForbidden && isValidSyncTokenError(data) {
			e.Kind = KindTokenInvalid
		}
		return data, resp.Header, e
	}
	return data, resp.Header, nil
}

func (c *Client) propfind(ctx context.Context, op, target, depth, body string) ([]byte, error) {
	data, _, err := c.request(ctx, op, "PROPFIND", target, depth, []byte(body))
	return data, err
}

func (c *Client) report(ctx context.Context, op, target, depth, body string) ([]byte, error) {
	data, _, err := c.request(ctx, op, "REPORT", target, depth, []byte(body))
	return data, err
}

const listCalendarsBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="` + nsDAV + `" xmlns:cs="` + nsCalendarSrv + `" xmlns:x1="` + nsAppleICal + `">
  <d:prop>
    <d:resourcetype/>
    <d:displayname/>
    <x1:calendar-color/>
    <cs:getctag/>
    <d:sync-token/>
    <d:current-user-privilege-set/>
  </d:prop>
</d:propfind>`

const collectionStateBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="` + nsDAV + `" xmlns:cs="` + nsCalendarSrv + `">
  <d:prop>
    <cs:getctag/>
    <d:sync-token/>
  </d:prop>
</d:propfind>`

const calendarQueryBody = `<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="` + nsDAV + `" xmlns:c="` + nsCalDAV + `">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT"/>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

func syncCollectionBody(token string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>
<d:sync-collection xmlns:d="` + nsDAV + `">
  <d:sync-token>`)
	_ = xml.EscapeText(&b, []byte(token))
	b.WriteString(`</d:sync-token>
  <d:sync-level>1</d:sync-level>
  <d:prop>
    <d:getetag/>
  </d:prop>
</d:sync-collection>`)
	return b.String()
}

// ListCalendars lists calendar collections directly under homeURL.
func (c *Client) ListCalendars(ctx context.Context, homeURL string) ([]CalendarInfo, error) {
	body, err := c.propfind(ctx, "list calendars", homeURL, "1", listCalendarsBody)
	if err != nil {
		return nil, err
	}
	return ParseCalendars(body, homeURL, c.opts.Parse), nil
}

// CollectionState reads a collection's current ctag and sync-token.
func (c *Client) CollectionState(ctx context.Context, calendarURL string) (ctag, syncToken string, err error) {
	body, err := c.propfind(ctx, "read collection state", calendarURL, "0", collectionStateBody)
	if err != nil {
		return "", "", err
	}
	ctag, syncToken = ParseCollectionState(body)
	return ctag, syncToken, nil
}

// SyncCollection asks for changes since token. A rejected token is reported
// as KindTokenInvalid.
func (c *Client) SyncCollection(ctx context.Context, calendarURL, token string) (SyncCollection, error) {
	const op = "sync collection"
	body, err := c.report(ctx, op, calendarURL, "0", syncCollectionBody(token))
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			switch e.StatusCode {
			case http.StatusBadRequest, http.StatusConflict, http.StatusGone:
				e.Kind = KindTokenInvalid
			}
		}
		return SyncCollection{}, err
	}

	sc := ParseSyncCollection(body)
	for i := range sc.Modified {
		sc.Modified[i].Href = ResolveURL(calendarURL, sc.Modified[i].Href)
	}
	for i := range sc.Deleted {
		sc.Deleted[i] = ResolveURL(calendarURL, sc.Deleted[i])
	}
	return sc, nil
}

// FetchAll returns every VEVENT resource in the collection with its data.
func (c *Client) FetchAll(ctx context.Context, calendarURL string) ([]Resource, error) {
	body, err := c.report(ctx, "fetch calendar", calendarURL, "1", calendarQueryBody)
	if err != nil {
		return nil, err
	}
	resources := ParseCalendarData(body)
	for i := range resources {
		resources[i].Href = ResolveURL(calendarURL, resources[i].Href)
	}
	return resources, nil
}

// GetObject downloads a single calendar object.
func (c *Client) GetObject(ctx context.Context, href string) (Resource, error) {
	data, header, err := c.request(ctx, "get object", http.MethodGet, href, "", nil)
	if err != nil {
		return Resource{}, err
	}
	return Resource{Href: href, ETag: header.Get("ETag"), Data: string(data)}, nil
}

// PutObject uploads cal to href. With an empty ifMatch the upload only
// succeeds if nothing exists at href yet. The returned etag may be empty when
// the server does not report one.
func (c *Client) PutObject(ctx context.Context, href string, cal *ical.Calendar, ifMatch string) (string, error) {
	const op = "put object"
	p, err := c.objectPath(href)
	if err != nil {
		return "", &Error{Kind: KindTransport, Op: op, Err: err}
	}

	ex := &exchange{ifMatch: ifMatch}
	if ifMatch == "" {
		ex.ifNoneMatch = "*"
	}
	// go-webdav unquotes the etag and fails on weak ones; the raw header
	// recorded by the transport is what If-Match needs later.
	if _, err := c.dav.PutCalendarObject(withExchange(ctx, ex), p, cal); err != nil && ex.status/100 != 2 {
		return "", c.exchangeError(op, ex, err)
	}
	return ex.etag, nil
}

// DeleteObject removes href. A resource that is already gone is not an error.
func (c *Client) DeleteObject(ctx context.Context, href, ifMatch string) error {
	const op = "delete object"
	p, err := c.objectPath(href)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	ex := &exchange{ifMatch: ifMatch}
	if err := c.dav.RemoveAll(withExchange(ctx, ex), p); err != nil {
		if ex.status == http.StatusNotFound || ex.status == http.StatusGone {
			return nil
		}
		return c.exchangeError(op, ex, err)
	}
	return nil
}

func (c *Client) exchangeError(op string, ex *exchange, err error) error {
	if ex.status == 0 || ex.status/100 == 2 {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	e := newStatusError(op, ex.status)
	e.Err = err
	return e
}

// objectPath turns an absolute resource URL on this server into the path
// go-webdav expects.
func (c *Client) objectPath(href string) (string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		base, _ := url.Parse(c.baseURL)
		if !strings.EqualFold(u.Host, base.Host) {
			return "", fmt.Errorf("resource %s is not on %s", href, base.Host)
		}
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "", fmt.Errorf("resource %s has no absolute path", href)
	}
	return u.Path, nil
}

// ObjectURL builds the resource URL for a new object named after uid.
func ObjectURL(calendarURL, uid string) string {
	if !strings.HasSuffix(calendarURL, "/") {
		calendarURL += "/"
	}
	return calendarURL + url.PathEscape(uid) + ".ics"
}
