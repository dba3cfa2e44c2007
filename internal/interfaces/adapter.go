package interfaces

import (
	"context"

	"github.com/ternarybob/promulgo/internal/models"
)

// PlatformAdapter drives one publishing platform through a browser session.
// Adapters are stateless; all per-run state lives in the session.
type PlatformAdapter interface {
	// Name returns the platform identifier this adapter serves
	Name() string

	// LoginURL returns the page used to verify or establish a login
	LoginURL() string

	// PublishURL returns the editor page where articles are composed
	PublishURL() string

	// VerifyLogin checks whether the session is authenticated, typically by
	// looking for a logged-in marker on the publish page
	VerifyLogin(ctx context.Context, session BrowserSession) (bool, error)

	// Login performs a form login with the account credentials
	Login(ctx context.Context, session BrowserSession, creds models.Credentials) error

	// Publish fills the editor with the task's article snapshot and submits it
	Publish(ctx context.Context, session BrowserSession, task *models.Task) error
}

// AdapterRegistry resolves platform adapters by platform ID
type AdapterRegistry interface {
	Get(platformID string) (PlatformAdapter, bool)
	Register(adapter PlatformAdapter)
	Names() []string
}
