// Package ics converts between iCalendar payloads and domain events.
package ics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/caldavsync/internal/domain"
)

const (
	ProductID          = "-//caldavsync//CalDAV Sync//EN"
	PlaceholderSummary = "Untitled Event"
	ActionDisplay      = "DISPLAY"
)

// SkipError explains why a VEVENT was not turned into an event.
type SkipError struct {
	UID    string
	Reason string
}

func (e *SkipError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("skip event %s: %s", e.UID, e.Reason)
	}
	return "skip event: " + e.Reason
}

// Codec decodes and encodes VEVENTs. Floating times are read in Location.
type Codec struct {
	Location *time.Location
	Now      func() time.Time
}

// NewCodec returns a codec reading floating times in loc (UTC when nil).
func NewCodec(loc *time.Location) *Codec {
	if loc == nil {
		loc = time.UTC
	}
	return &Codec{Location: loc, Now: time.Now}
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// lineEndings normalizes bare LF line breaks to CRLF.
var lineEndings = strings.NewReplacer("\r\n", "\r\n", "\n", "\r\n")

func parse(raw string) ([]*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(lineEndings.Replace(raw)))
	var cals []*ical.Calendar
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cals = append(cals, cal)
	}
	if len(cals) == 0 {
		return nil, errors.New("no VCALENDAR")
	}
	return cals, nil
}

// DecodeEvent decodes the master VEVENT of one calendar object resource. A
// non-nil error is always a *SkipError.
func (c *Codec) DecodeEvent(raw, calendarID, etag string) (*domain.Event, error) {
	cals, err := parse(raw)
	if err != nil {
		return nil, &SkipError{Reason: "malformed iCalendar: " + err.Error()}
	}

	var override *ical.Component
	for _, cal := range cals {
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			if comp.Props.Get(ical.PropRecurrenceID) != nil {
				if override == nil {
					override = comp
				}
				continue
			}
			return c.decodeComponent(comp, raw, calendarID, etag)
		}
	}
	// a resource holding only overridden instances still describes an event
	if override != nil {
		return c.decodeComponent(override, raw, calendarID, etag)
	}
	return nil, &SkipError{Reason: "no VEVENT"}
}

// DecodeEvents decodes every VEVENT in raw. Components that cannot be
// decoded are reported in the second result and do not stop the rest.
func (c *Codec) DecodeEvents(raw, calendarID, etag string) ([]domain.Event, []error) {
	cals, err := parse(raw)
	if err != nil {
		return nil, []error{&SkipError{Reason: "malformed iCalendar: " + err.Error()}}
	}

	var (
		events  []domain.Event
		skipped []error
	)
	for _, cal := range cals {
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, err := c.decodeComponent(comp, raw, calendarID, etag)
			if err != nil {
				skipped = append(skipped, err)
				continue
			}
			events = append(events, *ev)
		}
	}
	return events, skipped
}

func (c *Codec) decodeComponent(comp *ical.Component, raw, calendarID, etag string) (*domain.Event, error) {
	uid := propText(comp, ical.PropUID)
	if uid == "" {
		return nil, &SkipError{Reason: "missing UID"}
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil || strings.TrimSpace(startProp.Value) == "" {
		return nil, &SkipError{UID: uid, Reason: "missing DTSTART"}
	}
	start, err := c.dateTime(startProp)
	if err != nil {
		return nil, &SkipError{UID: uid, Reason: "invalid DTSTART: " + err.Error()}
	}

	ev := &domain.Event{
		UID:         uid,
		CalendarID:  calendarID,
		Summary:     propText(comp, ical.PropSummary),
		Description: propText(comp, ical.PropDescription),
		Location:    propText(comp, ical.PropLocation),
		Start:       start,
		AllDay:      isDate(startProp),
		TimeZone:    c.timeZone(startProp),
		Status:      parseStatus(propText(comp, ical.PropStatus)),
		ETag:        etag,
		SyncStatus:  domain.SyncStatusSynced,
		RawICal:     raw,
		Attendees:   []domain.Attendee{},
		Reminders:   []domain.Reminder{},
	}
	if strings.TrimSpace(ev.Summary) == "" {
		ev.Summary = PlaceholderSummary
	}

	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		if end, err := c.dateTime(p); err == nil {
			ev.End = &end
		}
	} else if p := comp.Props.Get(ical.PropDuration); p != nil {
		if d, err := p.Duration(); err == nil {
			end := start.Add(d)
			ev.End = &end
		}
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.RRule = strings.TrimSpace(p.Value)
	}

	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		ev.OrganizerEmail = mailAddress(p.Value)
		ev.OrganizerName = p.Params.Get(ical.ParamCommonName)
	}

	for _, p := range comp.Props.Values(ical.PropAttendee) {
		email := mailAddress(p.Value)
		if email == "" {
			continue
		}
		ev.Attendees = append(ev.Attendees, domain.Attendee{
			Email:  email,
			Name:   p.Params.Get(ical.ParamCommonName),
			Status: p.Params.Get(ical.ParamParticipationStatus),
			Role:   p.Params.Get(ical.ParamRole),
		})
	}

	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil || strings.TrimSpace(trigger.Value) == "" {
			continue
		}
		action := strings.ToUpper(propText(child, ical.PropAction))
		if action == "" {
			action = ActionDisplay
		}
		ev.Reminders = append(ev.Reminders, domain.Reminder{
			Trigger: strings.TrimSpace(trigger.Value),
			Action:  action,
		})
	}

	if p := comp.Props.Get(ical.PropCreated); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			ev.Created = &t
		}
	}
	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		if t, err := p.DateTime(time.UTC); err == nil {
			ev.LastModified = &t
		}
	}

	return ev, nil
}

func propText(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	s, err := p.Text()
	if err != nil {
		return strings.TrimSpace(p.Value)
	}
	return strings.TrimSpace(s)
}

// isDate reports a DATE valued property, explicit or by value shape.
func isDate(p *ical.Prop) bool {
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		return true
	}
	v := strings.TrimSpace(p.Value)
	return len(v) == len("20060102") && !strings.ContainsRune(v, 'T')
}

var floatingLayouts = []string{"20060102T150405", "20060102"}

// dateTime resolves a DATE or DATE-TIME property. Unknown TZIDs fall back to
// the codec location.
func (c *Codec) dateTime(p *ical.Prop) (time.Time, error) {
	if isDate(p) {
		return time.ParseInLocation("20060102", strings.TrimSpace(p.Value), c.Location)
	}
	t, err := p.DateTime(c.Location)
	if err == nil {
		return t, nil
	}
	v := strings.TrimSpace(p.Value)
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	for _, layout := range floatingLayouts {
		if t, lerr := time.ParseInLocation(layout, v, c.Location); lerr == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func (c *Codec) timeZone(p *ical.Prop) string {
	if tz := p.Params.Get(ical.ParamTimezoneID); tz != "" {
		return tz
	}
	if strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		return "UTC"
	}
	return c.Location.String()
}

func parseStatus(s string) domain.EventStatus {
	switch strings.ToUpper(s) {
	case string(domain.EventStatusTentative):
		return domain.EventStatusTentative
	case string(domain.EventStatusCancelled):
		return domain.EventStatusCancelled
	default:
		return domain.EventStatusConfirmed
	}
}

// mailAddress lower-cases a CAL-ADDRESS and strips its mailto: scheme.
func mailAddress(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= len("mailto:") && strings.EqualFold(v[:len("mailto:")], "mailto:") {
		v = v[len("mailto:"):]
	}
	return strings.ToLower(v)
}

// managedProps are rewritten on encode; everything else in a stored VEVENT
// is carried over untouched.
var managedProps = []string{
	ical.PropUID, ical.PropSummary, ical.PropDescription, ical.PropLocation,
	ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropDuration,
	ical.PropRecurrenceRule, ical.PropStatus, ical.PropOrganizer,
	ical.PropAttendee, ical.PropDateTimeStamp, ical.PropLastModified,
	ical.PropCreated, ical.PropSequence,
}

// Calendar builds the VCALENDAR to upload for e. When e carries a stored
// payload its master VEVENT is updated in place so unknown properties and
// VTIMEZONEs survive.
func (c *Codec) Calendar(e domain.Event) *ical.Calendar {
	cal, vevent := c.baseCalendar(e)

	sequence := 0
	if p := vevent.Props.Get(ical.PropSequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			sequence = n + 1
		}
	}
	for _, name := range managedProps {
		delete(vevent.Props, name)
	}
	var children []*ical.Component
	for _, child := range vevent.Children {
		if child.Name != ical.CompAlarm {
			children = append(children, child)
		}
	}
	vevent.Children = children

	now := c.now().UTC()
	vevent.Props.SetText(ical.PropUID, e.UID)
	summary := e.Summary
	if strings.TrimSpace(summary) == "" {
		summary = PlaceholderSummary
	}
	vevent.Props.SetText(ical.PropSummary, summary)
	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}

	if e.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, e.Start)
		if e.End != nil {
			vevent.Props.SetDate(ical.PropDateTimeEnd, *e.End)
		}
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		if e.End != nil {
			vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
		}
	}

	if e.RRule != "" {
		rrule := ical.NewProp(ical.PropRecurrenceRule)
		rrule.Value = e.RRule
		vevent.Props.Set(rrule)
	}
	if e.Status != "" {
		vevent.Props.SetText(ical.PropStatus, string(e.Status))
	}

	if e.OrganizerEmail != "" {
		org := ical.NewProp(ical.PropOrganizer)
		org.Value = "mailto:" + e.OrganizerEmail
		if e.OrganizerName != "" {
			org.Params.Set(ical.ParamCommonName, e.OrganizerName)
		}
		vevent.Props.Set(org)
	}
	for _, a := range e.Attendees {
		att := ical.NewProp(ical.PropAttendee)
		att.Value = "mailto:" + a.Email
		if a.Name != "" {
			att.Params.Set(ical.ParamCommonName, a.Name)
		}
		if a.Status != "" {
			att.Params.Set(ical.ParamParticipationStatus, a.Status)
		}
		if a.Role != "" {
			att.Params.Set(ical.ParamRole, a.Role)
		}
		vevent.Props.Add(att)
	}

	for _, r := range e.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = r.Trigger
		alarm.Props.Set(trigger)
		action := r.Action
		if action == "" {
			action = ActionDisplay
		}
		alarm.Props.SetText(ical.PropAction, action)
		alarm.Props.SetText(ical.PropDescription, summary)
		vevent.Children = append(vevent.Children, alarm)
	}

	created := now
	if e.Created != nil {
		created = e.Created.UTC()
	}
	vevent.Props.SetDateTime(ical.PropCreated, created)
	vevent.Props.SetDateTime(ical.PropLastModified, now)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now)
	if sequence > 0 {
		seq := ical.NewProp(ical.PropSequence)
		seq.Value = strconv.Itoa(sequence)
		vevent.Props.Set(seq)
	}

	return cal
}

// baseCalendar returns the stored calendar and its master VEVENT, or a fresh
// pair when e has no usable payload.
func (c *Codec) baseCalendar(e domain.Event) (*ical.Calendar, *ical.Component) {
	if e.RawICal != "" {
		if cals, err := parse(e.RawICal); err == nil {
			cal := cals[0]
			for _, comp := range cal.Children {
				if comp.Name == ical.CompEvent && comp.Props.Get(ical.PropRecurrenceID) == nil {
					cal.Props.SetText(ical.PropProductID, ProductID)
					return cal, comp
				}
			}
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	vevent := ical.NewEvent()
	cal.Children = append(cal.Children, vevent.Component)
	return cal, vevent.Component
}

// EncodeEvent serializes e as a VCALENDAR text payload.
func (c *Codec) EncodeEvent(e domain.Event) (string, error) {
	return Serialize(c.Calendar(e))
}

// Serialize renders a calendar as iCalendar text.
func Serialize(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}
