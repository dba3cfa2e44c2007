package interfaces

import (
	"context"

	"github.com/ternarybob/promulgo/internal/models"
)

// BrowserLaunchOptions control how the browser instance is started
type BrowserLaunchOptions struct {
	Headless bool
}

// BrowserSession is one page context inside the managed browser instance
type BrowserSession interface {
	// Context returns the chromedp-compatible context for running actions
	Context() context.Context

	// Navigate loads the given URL and waits for the page to be ready
	Navigate(ctx context.Context, url string) error

	// SetCookies installs stored login cookies before navigation
	SetCookies(ctx context.Context, cookies []models.Cookie) error
}

// BrowserProvider manages the single browser instance the executor publishes
// through. There is exactly one instance at a time; the execution locks
// guarantee no two tasks touch it concurrently.
type BrowserProvider interface {
	// Launch starts the browser if it is not already running
	Launch(ctx context.Context, opts BrowserLaunchOptions) error

	// NewSession opens a fresh page context in the running browser
	NewSession(ctx context.Context) (BrowserSession, error)

	// CloseSession closes a page context, leaving the browser running
	CloseSession(ctx context.Context, session BrowserSession) error

	// Close shuts the browser down gracefully
	Close(ctx context.Context) error

	// ForceClose kills the browser process. Used when graceful close fails or
	// a timed-out task must be torn down. Never returns an error.
	ForceClose()
}
