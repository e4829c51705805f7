// Package nextcloud reads Nextcloud Calendar appointment configurations over
// the OCS API.
package nextcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tazhate/caldavsync/internal/clients/caldav"
	"github.com/tazhate/caldavsync/internal/domain"
)

const (
	appointmentConfigsPath = "/ocs/v2.php/apps/calendar/api/v1/appointment_configs"
	bookingPath            = "/index.php/apps/calendar/appointment/"

	defaultDurationMinutes = 30
)

// Client is the HTTP client for the Nextcloud OCS API
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new OCS client. A nil httpClient gets a 30s timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// doRequest performs an authenticated OCS GET
func (c *Client) doRequest(ctx context.Context, op, url, username, password string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, &caldav.Error{Kind: caldav.KindTransport, Op: op, Err: err}
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("OCS-APIRequest", "true")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &caldav.Error{Kind: caldav.KindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &caldav.Error{Kind: caldav.KindTransport, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

// AppointmentConfigs lists the booking pages of the user. Servers without
// the appointments feature yield an empty list.
func (c *Client) AppointmentConfigs(ctx context.Context, serverURL, username, password string) ([]domain.BookingConfig, error) {
	const op = "list appointment configs"
	base := strings.TrimRight(serverURL, "/")

	status, body, err := c.doRequest(ctx, op, base+appointmentConfigsPath, username, password)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return []domain.BookingConfig{}, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &caldav.Error{Kind: caldav.KindAuth, Op: op, StatusCode: status}
	case status >= 400:
		return nil, &caldav.Error{Kind: caldav.KindServer, Op: op, StatusCode: status}
	}

	var parsed ocsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []domain.BookingConfig{}, nil
	}

	configs := make([]domain.BookingConfig, 0, len(parsed.OCS.Data))
	for _, a := range parsed.OCS.Data {
		configs = append(configs, toBookingConfig(base, a))
	}
	return configs, nil
}

func toBookingConfig(base string, a AppointmentConfig) domain.BookingConfig {
	duration := defaultDurationMinutes
	if a.Length != nil {
		duration = *a.Length
	}
	visibility := domain.BookingPublic
	if a.Visibility == string(domain.BookingPrivate) {
		visibility = domain.BookingPrivate
	}
	return domain.BookingConfig{
		ID:              a.ID,
		Name:            a.Name,
		Description:     a.Description,
		DurationMinutes: duration,
		Token:           a.Token,
		BookingURL:      base + bookingPath + a.Token,
		CalendarURI:     a.TargetCalendarURI,
		Visibility:      visibility,
	}
}
