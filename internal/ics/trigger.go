package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// DefaultReminderMinutes is used when a trigger cannot be understood.
const DefaultReminderMinutes = 15

// MinutesToTrigger renders minutes-before-start as a VALARM trigger using the
// largest unit that divides it exactly: 1440 -> -P1D, 120 -> -PT2H, 90 -> -PT90M.
// Negative values fire after the start and lose the leading minus.
func MinutesToTrigger(minutes int) string {
	sign := "-"
	if minutes < 0 {
		sign = ""
		minutes = -minutes
	}
	switch {
	case minutes > 0 && minutes%1440 == 0:
		return fmt.Sprintf("%sP%dD", sign, minutes/1440)
	case minutes > 0 && minutes%60 == 0:
		return fmt.Sprintf("%sPT%dH", sign, minutes/60)
	default:
		return fmt.Sprintf("%sPT%dM", sign, minutes)
	}
}

// ParseTriggerToMinutes converts a relative trigger into minutes before the
// start. "-PT1H30M" gives 90; "PT15M" fires after the start and gives -15.
// Unparseable input gives DefaultReminderMinutes.
//
// The two functions are not exact inverses: MinutesToTrigger(90) is
// "-PT90M", not "-PT1H30M", although both parse back to 90.
func ParseTriggerToMinutes(trigger string) int {
	prop := ical.NewProp(ical.PropTrigger)
	prop.Value = strings.TrimSpace(trigger)
	d, err := prop.Duration()
	if err != nil {
		return DefaultReminderMinutes
	}
	// negative offsets fire before the start
	return -int(d / time.Minute)
}
