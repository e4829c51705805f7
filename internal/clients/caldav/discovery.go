package caldav

import "context"

// Discovery holds the resolved principal and calendar home of an account.
type Discovery struct {
	PrincipalURL    string
	CalendarHomeURL string
}

const principalBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="` + nsDAV + `">
  <d:prop>
    <d:current-user-principal/>
  </d:prop>
</d:propfind>`

const homeSetBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="` + nsDAV + `" xmlns:c="` + nsCalDAV + `">
  <d:prop>
    <c:calendar-home-set/>
  </d:prop>
</d:propfind>`

// FindPrincipal resolves the current user principal from the server root.
func (c *Client) FindPrincipal(ctx context.Context) (string, error) {
	const op = "discover principal"
	body, err := c.propfind(ctx, op, c.baseURL, "0", principalBody)
	if err != nil {
		return "", err
	}
	href := ParseCurrentUserPrincipal(body)
	if href == "" {
		return "", &Error{Kind: KindNotFound, Op: op}
	}
	return ResolveURL(c.baseURL, href), nil
}

// FindCalendarHome resolves the calendar home set of a principal.
func (c *Client) FindCalendarHome(ctx context.Context, principalURL string) (string, error) {
	const op = "discover calendar home"
	body, err := c.propfind(ctx, op, principalURL, "0", homeSetBody)
	if err != nil {
		return "", err
	}
	href := ParseCalendarHomeSet(body)
	if href == "" {
		return "", &Error{Kind: KindNotFound, Op: op}
	}
	return ResolveURL(principalURL, href), nil
}

// Discover runs the principal and calendar home lookups in order.
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	principal, err := c.FindPrincipal(ctx)
	if err != nil {
		return Discovery{}, err
	}
	home, err := c.FindCalendarHome(ctx, principal)
	if err != nil {
		return Discovery{}, err
	}
	return Discovery{PrincipalURL: principal, CalendarHomeURL: home}, nil
}
