package caldav

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// XML namespaces used by CalDAV servers.
const (
	nsDAV         = "DAV:"
	nsCalDAV      = "urn:ietf:params:xml:ns:caldav"
	nsCalendarSrv = "http://calendarserver.org/ns/"
	nsAppleICal   = "http://apple.com/ns/ical/"
)

// CalendarInfo is one calendar collection as reported by the server.
type CalendarInfo struct {
	URL         string
	DisplayName string
	Color       string
	CTag        string
	SyncToken   string
	ReadOnly    bool
}

// ParseOptions tunes calendar listing.
type ParseOptions struct {
	// ReadOnlyWithoutPrivileges applies to collections that report no
	// current-user-privilege-set at all.
	ReadOnlyWithoutPrivileges bool
}

// SyncCollection is the outcome of a sync-collection REPORT.
type SyncCollection struct {
	SyncToken string
	Modified  []Resource
	Deleted   []string
}

// Resource is a member of a calendar collection. Data is only set when the
// response carried calendar-data.
type Resource struct {
	Href string
	ETag string
	Data string
}

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
	SyncToken string     `xml:"DAV: sync-token"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Status    string     `xml:"DAV: status"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	CurrentUserPrincipal *hrefProp     `xml:"DAV: current-user-principal"`
	CalendarHomeSet      *hrefProp     `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	ResourceType         *elementSet   `xml:"DAV: resourcetype"`
	DisplayName          *string       `xml:"DAV: displayname"`
	CalendarColor        *string       `xml:"http://apple.com/ns/ical/ calendar-color"`
	GetCTag              *string       `xml:"http://calendarserver.org/ns/ getctag"`
	SyncToken            *string       `xml:"DAV: sync-token"`
	GetETag              *string       `xml:"DAV: getetag"`
	CalendarData         *string       `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	PrivilegeSet         *privilegeSet `xml:"DAV: current-user-privilege-set"`
}

type hrefProp struct {
	Href string `xml:"DAV: href"`
}

type element struct {
	XMLName xml.Name
}

type elementSet struct {
	Elements []element `xml:",any"`
}

func (s *elementSet) has(space, local string) bool {
	if s == nil {
		return false
	}
	for _, e := range s.Elements {
		if e.XMLName.Space == space && e.XMLName.Local == local {
			return true
		}
	}
	return false
}

type privilegeSet struct {
	Privileges []elementSet `xml:"DAV: privilege"`
}

// writable privileges; DAV:all and DAV:write aggregate write-content.
var writePrivileges = []string{"write", "write-content", "all"}

func (p *privilegeSet) canWrite() bool {
	for _, priv := range p.Privileges {
		for _, name := range writePrivileges {
			if priv.has(nsDAV, name) {
				return true
			}
		}
	}
	return false
}

type davError struct {
	XMLName    xml.Name  `xml:"DAV: error"`
	Conditions []element `xml:",any"`
}

func newDecoder(body []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(bytes.TrimSpace(body)))
	// Servers occasionally declare non UTF-8 charsets on ASCII payloads.
	d.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	return d
}

func decodeMultistatus(body []byte) *multistatus {
	ms := &multistatus{}
	if len(bytes.TrimSpace(body)) == 0 {
		return ms
	}
	if err := newDecoder(body).Decode(ms); err != nil {
		return &multistatus{}
	}
	return ms
}

// okProps yields the props of every propstat that is not explicitly a failure.
func (r *response) okProps() []*prop {
	var out []*prop
	for i := range r.Propstats {
		ps := &r.Propstats[i]
		if ps.Status != "" && statusCode(ps.Status)/100 != 2 {
			continue
		}
		out = append(out, &ps.Prop)
	}
	return out
}

// statusCode extracts the numeric code of an "HTTP/1.1 200 OK" line.
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// ParseCurrentUserPrincipal returns the principal href, or "" when absent.
func ParseCurrentUserPrincipal(body []byte) string {
	ms := decodeMultistatus(body)
	for i := range ms.Responses {
		for _, p := range ms.Responses[i].okProps() {
			if p.CurrentUserPrincipal != nil {
				if href := strings.TrimSpace(p.CurrentUserPrincipal.Href); href != "" {
					return href
				}
			}
		}
	}
	return ""
}

// ParseCalendarHomeSet returns the calendar home href, or "" when absent.
func ParseCalendarHomeSet(body []byte) string {
	ms := decodeMultistatus(body)
	for i := range ms.Responses {
		for _, p := range ms.Responses[i].okProps() {
			if p.CalendarHomeSet != nil {
				if href := strings.TrimSpace(p.CalendarHomeSet.Href); href != "" {
					return href
				}
			}
		}
	}
	return ""
}

// ParseCalendars returns every response whose resourcetype marks a calendar.
// Hrefs are resolved against baseURL.
func ParseCalendars(body []byte, baseURL string, opts ParseOptions) []CalendarInfo {
	ms := decodeMultistatus(body)
	var out []CalendarInfo
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}

		var (
			isCalendar bool
			info       = CalendarInfo{URL: ResolveURL(baseURL, href)}
			privs      *privilegeSet
		)
		for _, p := range r.okProps() {
			if p.ResourceType.has(nsCalDAV, "calendar") {
				isCalendar = true
			}
			if p.DisplayName != nil {
				info.DisplayName = strings.TrimSpace(*p.DisplayName)
			}
			if p.CalendarColor != nil {
				info.Color = NormalizeColor(*p.CalendarColor)
			}
			if p.GetCTag != nil {
				info.CTag = strings.TrimSpace(*p.GetCTag)
			}
			if p.SyncToken != nil {
				info.SyncToken = strings.TrimSpace(*p.SyncToken)
			}
			if p.PrivilegeSet != nil {
				privs = p.PrivilegeSet
			}
		}
		if !isCalendar {
			continue
		}

		if privs != nil {
			info.ReadOnly = !privs.canWrite()
		} else {
			info.ReadOnly = opts.ReadOnlyWithoutPrivileges
		}
		if info.DisplayName == "" {
			info.DisplayName = path.Base(strings.TrimSuffix(href, "/"))
		}
		out = append(out, info)
	}
	return out
}

// ParseCtag returns the getctag of the first response carrying one.
func ParseCtag(body []byte) string {
	ctag, _ := ParseCollectionState(body)
	return ctag
}

// ParseCollectionState returns the getctag and sync-token of a depth 0 PROPFIND.
func ParseCollectionState(body []byte) (ctag, syncToken string) {
	ms := decodeMultistatus(body)
	for i := range ms.Responses {
		for _, p := range ms.Responses[i].okProps() {
			if p.GetCTag != nil && ctag == "" {
				ctag = strings.TrimSpace(*p.GetCTag)
			}
			if p.SyncToken != nil && syncToken == "" {
				syncToken = strings.TrimSpace(*p.SyncToken)
			}
		}
	}
	return ctag, syncToken
}

// ParseSyncCollection splits a sync-collection response into modified and
// deleted members. A member is modified when a 200 propstat carries an etag
// and deleted when the response or its propstat reports 404.
func ParseSyncCollection(body []byte) SyncCollection {
	ms := decodeMultistatus(body)
	sc := SyncCollection{SyncToken: strings.TrimSpace(ms.SyncToken)}
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}
		if statusCode(r.Status) == 404 {
			sc.Deleted = append(sc.Deleted, href)
			continue
		}

		var (
			etag    string
			missing bool
		)
		for _, ps := range r.Propstats {
			code := statusCode(ps.Status)
			switch {
			case code == 404:
				missing = true
			case code == 200 && ps.Prop.GetETag != nil:
				etag = strings.TrimSpace(*ps.Prop.GetETag)
			}
		}
		switch {
		case etag != "":
			sc.Modified = append(sc.Modified, Resource{Href: href, ETag: etag})
		case missing:
			sc.Deleted = append(sc.Deleted, href)
		}
	}
	return sc
}

// ParseCalendarData returns the members of a calendar-query or
// calendar-multiget response that carried calendar-data.
func ParseCalendarData(body []byte) []Resource {
	ms := decodeMultistatus(body)
	var out []Resource
	for i := range ms.Responses {
		r := &ms.Responses[i]
		href := strings.TrimSpace(r.Href)
		if href == "" {
			continue
		}
		res := Resource{Href: href}
		for _, p := range r.okProps() {
			if p.GetETag != nil {
				res.ETag = strings.TrimSpace(*p.GetETag)
			}
			if p.CalendarData != nil {
				res.Data = *p.CalendarData
			}
		}
		if strings.TrimSpace(res.Data) == "" {
			continue
		}
		out = append(out, res)
	}
	return out
}

// ParseErrorConditions returns the precondition elements of a DAV:error body.
func ParseErrorConditions(body []byte) []xml.Name {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var e davError
	if err := newDecoder(body).Decode(&e); err != nil {
		return nil
	}
	names := make([]xml.Name, 0, len(e.Conditions))
	for _, c := range e.Conditions {
		names = append(names, c.XMLName)
	}
	return names
}

func isValidSyncTokenError(body []byte) bool {
	for _, n := range ParseErrorConditions(body) {
		if n.Space == nsDAV && n.Local == "valid-sync-token" {
			return true
		}
	}
	return false
}

var colorPattern = regexp.MustCompile(`^#([0-9A-Fa-f]{6})([0-9A-Fa-f]{2})?$`)

// NormalizeColor accepts #RRGGBB or #RRGGBBAA and returns #RRGGBB with the
// original case. Anything else yields "".
func NormalizeColor(s string) string {
	m := colorPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ""
	}
	return "#" + m[1]
}

// ResolveURL returns href unchanged when it is absolute, otherwise href
// resolved against the scheme and host of base.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return href
	}
	if strings.HasPrefix(href, "/") {
		return b.Scheme + "://" + b.Host + href
	}
	return b.ResolveReference(ref).String()
}
