package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/use-agent/stockwatch/models"
)

// Session is one controlled browsing context: a single page with its
// cookies, resource rules and script execution. Sessions are used by one
// goroutine at a time and must be closed exactly once by their owner.
type Session interface {
	// Navigate loads url and waits for the document to be parsed.
	// Only transport-level failures are errors; a challenge page is a
	// successful navigation.
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// Reload reloads the current document, bypassing the cache when asked.
	Reload(ctx context.Context, ignoreCache bool) error

	// RunScript evaluates a JavaScript function expression with args and
	// returns its result as a string.
	RunScript(ctx context.Context, js string, args ...any) (string, error)

	// HTML returns the current rendered document.
	HTML(ctx context.Context) (string, error)

	// Title returns the current document title.
	Title(ctx context.Context) (string, error)

	// WaitElement waits until selector matches at least one element.
	WaitElement(ctx context.Context, selector string, timeout time.Duration) error

	// SetResourceBlocking replaces the blocked URL patterns. An empty slice
	// clears every rule.
	SetResourceBlocking(patterns []string) error

	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error

	// Humanize performs small pointer movements.
	Humanize(ctx context.Context) error

	// Close releases the session. It is idempotent and safe after a failure.
	Close() error
}

// StaticSession is implemented by sessions whose document only changes
// when navigated.
type StaticSession interface {
	Static() bool
}

// Launcher creates sessions.
type Launcher interface {
	// Name returns the backend identifier (e.g. "rod", "cdp", "http").
	Name() string

	// Launch starts a fresh session.
	Launch(ctx context.Context) (Session, error)
}

// FormSelector is implemented by sessions that cannot run scripts but can
// still pick an option of the page's first select control and submit its
// form. It returns the chosen option text.
type FormSelector interface {
	SelectOption(ctx context.Context, token string) (string, error)
}

// Cookie is a backend-neutral cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds; zero for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// ErrUnsupported is returned by backends that cannot execute scripts.
var ErrUnsupported = models.NewScrapeError(models.ErrCodeUnsupported, "script execution not supported by this backend", nil)

// crashMarkers identify errors raised when the browser or its connection is gone.
var crashMarkers = []string{
	"use of closed network connection",
	"websocket: close",
	"target closed",
	"session closed",
	"no target with given id",
	"browser has disconnected",
	"connection reset by peer",
}

// categorizeError wraps raw errors into typed ScrapeErrors so callers can
// tell timeouts and crashes from ordinary navigation failures.
func categorizeError(err error, msg string) *models.ScrapeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewScrapeError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewScrapeError(models.ErrCodeTimeout, "request canceled", err)
	case isCrash(err):
		return models.NewScrapeError(models.ErrCodeBrowserCrash, msg, err)
	default:
		return models.NewScrapeError(models.ErrCodeNavigation, msg, err)
	}
}

func isCrash(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, m := range crashMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
