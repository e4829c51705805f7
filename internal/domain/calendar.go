package domain

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Account is a configured CalDAV server login.
type Account struct {
	ID              string
	ServerURL       string
	Username        string
	DisplayName     string
	Email           string
	PrincipalURL    string
	CalendarHomeURL string
	IsDefault       bool
	LastSyncAt      *time.Time
}

// Calendar is a calendar collection under an account's calendar home.
type Calendar struct {
	ID          string
	AccountID   string
	DisplayName string
	Color       string // "#rrggbb" or empty
	URL         string
	CTag        string
	SyncToken   string
	ReadOnly    bool
	Visible     bool
	SortOrder   int
}

// CalendarID derives the stable local id of a collection from its owner and URL.
func CalendarID(accountID, collectionURL string) string {
	h := fnv.New32a()
	h.Write([]byte(collectionURL))
	return fmt.Sprintf("%s_%08x", accountID, h.Sum32())
}

// Writable reports whether local mutations may be queued against the calendar.
func (c *Calendar) Writable() bool {
	return !c.ReadOnly
}
