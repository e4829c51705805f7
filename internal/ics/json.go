package ics

import (
	"encoding/json"
	"strings"

	"github.com/tazhate/caldavsync/internal/domain"
)

// EncodeAttendees renders attendees as a JSON array. An empty list is "[]".
func EncodeAttendees(attendees []domain.Attendee) string {
	if len(attendees) == 0 {
		return "[]"
	}
	data, err := json.Marshal(attendees)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeAttendees parses EncodeAttendees output. Blank or invalid input
// yields an empty list.
func DecodeAttendees(s string) []domain.Attendee {
	if strings.TrimSpace(s) == "" {
		return []domain.Attendee{}
	}
	var out []domain.Attendee
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []domain.Attendee{}
	}
	return out
}

// EncodeReminders renders reminders as a JSON array. An empty list is "[]".
// A missing action is stored as DISPLAY.
func EncodeReminders(reminders []domain.Reminder) string {
	if len(reminders) == 0 {
		return "[]"
	}
	out := make([]domain.Reminder, len(reminders))
	for i, r := range reminders {
		if r.Action == "" {
			r.Action = ActionDisplay
		}
		out[i] = r
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeReminders parses EncodeReminders output. Rows written without an
// action decode as DISPLAY.
func DecodeReminders(s string) []domain.Reminder {
	if strings.TrimSpace(s) == "" {
		return []domain.Reminder{}
	}
	var out []domain.Reminder
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []domain.Reminder{}
	}
	for i := range out {
		if out[i].Action == "" {
			out[i].Action = ActionDisplay
		}
	}
	return out
}
