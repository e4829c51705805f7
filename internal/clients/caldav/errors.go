package caldav

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed server interaction.
type Kind int

const (
	KindTransport Kind = iota
	KindAuth
	KindNotFound
	KindTokenInvalid
	KindParse
	KindServer
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindTokenInvalid:
		return "sync token invalid"
	case KindParse:
		return "parse"
	case KindServer:
		return "server"
	case KindPrecondition:
		return "precondition failed"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation that talks to the server.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Op, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed on a later pass.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindServer
}

// ErrNoCalendars is returned when an account exposes no calendar collections.
var ErrNoCalendars = errors.New("no calendars found")

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Summarize collapses an error into the short text shown to users.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoCalendars) {
		return "nothing to sync"
	}
	k, ok := KindOf(err)
	if !ok {
		return "could not connect"
	}
	switch k {
	case KindAuth:
		return "login failed"
	case KindNotFound:
		return "nothing to sync"
	default:
		return "could not connect"
	}
}

// statusKind maps an HTTP status outside 2xx to an error kind.
func statusKind(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusPreconditionFailed:
		return KindPrecondition
	default:
		return KindServer
	}
}

func newStatusError(op string, code int) *Error {
	return &Error{Kind: statusKind(code), Op: op, StatusCode: code}
}
