package domain

// BookingVisibility of a Nextcloud appointment configuration.
type BookingVisibility string

const (
	BookingPublic  BookingVisibility = "PUBLIC"
	BookingPrivate BookingVisibility = "PRIVATE"
)

// BookingConfig is a bookable appointment slot published by the server.
type BookingConfig struct {
	ID              int64
	Name            string
	Description     string
	DurationMinutes int
	Token           string
	BookingURL      string
	CalendarURI     string
	Visibility      BookingVisibility
}
