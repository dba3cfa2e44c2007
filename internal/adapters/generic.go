// -----------------------------------------------------------------------
// Generic Adapter - selector-driven platform adapter. Most publishing
// platforms are a login form plus an editor form; this adapter drives both
// from a declarative definition so new platforms need no code.
// -----------------------------------------------------------------------

package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

// Definition declares the URLs and CSS selectors that drive one platform
type Definition struct {
	Platform   string `toml:"platform" json:"platform"`
	LoginURL   string `toml:"login_url" json:"login_url"`
	PublishURL string `toml:"publish_url" json:"publish_url"`

	// Login form
	UsernameSelector    string `toml:"username_selector" json:"username_selector"`
	PasswordSelector    string `toml:"password_selector" json:"password_selector"`
	LoginSubmitSelector string `toml:"login_submit_selector" json:"login_submit_selector"`

	// Element present only when authenticated
	LoginMarkerSelector string `toml:"login_marker_selector" json:"login_marker_selector"`

	// Editor form
	TitleSelector         string `toml:"title_selector" json:"title_selector"`
	ContentSelector       string `toml:"content_selector" json:"content_selector"`
	PublishSubmitSelector string `toml:"publish_submit_selector" json:"publish_submit_selector"`

	// Rich-text editors take HTML through innerHTML instead of keystrokes
	RichText bool `toml:"rich_text" json:"rich_text"`
}

// Validate checks the definition is complete enough to drive a publish
func (d Definition) Validate() error {
	if d.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if d.PublishURL == "" {
		return fmt.Errorf("publish_url is required")
	}
	if d.LoginMarkerSelector == "" {
		return fmt.Errorf("login_marker_selector is required")
	}
	if d.TitleSelector == "" || d.ContentSelector == "" || d.PublishSubmitSelector == "" {
		return fmt.Errorf("title, content and publish submit selectors are required")
	}
	return nil
}

// HTMLRenderer converts article markdown into editor-ready HTML
type HTMLRenderer interface {
	RenderHTML(markdown string) (string, error)
}

// Generic drives a platform through its Definition
type Generic struct {
	def      Definition
	renderer HTMLRenderer
}

// NewGeneric creates a selector-driven adapter from a definition
func NewGeneric(def Definition, renderer HTMLRenderer) (*Generic, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid adapter definition for %q: %w", def.Platform, err)
	}
	return &Generic{def: def, renderer: renderer}, nil
}

func (g *Generic) Name() string       { return g.def.Platform }
func (g *Generic) LoginURL() string   { return g.def.LoginURL }
func (g *Generic) PublishURL() string { return g.def.PublishURL }

// run executes chromedp actions on the session, honoring the caller context
func run(ctx context.Context, session interfaces.BrowserSession, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(session.Context(), actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VerifyLogin checks for the logged-in marker on the current page
func (g *Generic) VerifyLogin(ctx context.Context, session interfaces.BrowserSession) (bool, error) {
	var found bool
	script := fmt.Sprintf("document.querySelector(%q) !== null", g.def.LoginMarkerSelector)
	if err := run(ctx, session, chromedp.Evaluate(script, &found)); err != nil {
		return false, fmt.Errorf("login check failed: %w", err)
	}
	return found, nil
}

// Login fills and submits the platform's login form
func (g *Generic) Login(ctx context.Context, session interfaces.BrowserSession, creds models.Credentials) error {
	if g.def.UsernameSelector == "" || g.def.PasswordSelector == "" || g.def.LoginSubmitSelector == "" {
		return fmt.Errorf("platform %s has no form login selectors", g.def.Platform)
	}

	err := run(ctx, session,
		chromedp.WaitVisible(g.def.UsernameSelector, chromedp.ByQuery),
		chromedp.SendKeys(g.def.UsernameSelector, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(g.def.PasswordSelector, creds.Password, chromedp.ByQuery),
		chromedp.Click(g.def.LoginSubmitSelector, chromedp.ByQuery),
		chromedp.WaitVisible(g.def.LoginMarkerSelector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("form login failed: %w", err)
	}
	return nil
}

// Publish fills the editor with the article snapshot and submits it
func (g *Generic) Publish(ctx context.Context, session interfaces.BrowserSession, task *models.Task) error {
	if err := session.Navigate(ctx, g.def.PublishURL); err != nil {
		return err
	}

	actions := []chromedp.Action{
		chromedp.WaitVisible(g.def.TitleSelector, chromedp.ByQuery),
		chromedp.SendKeys(g.def.TitleSelector, task.ArticleTitle, chromedp.ByQuery),
	}

	if g.def.RichText {
		content := task.ArticleContent
		if g.renderer != nil {
			rendered, err := g.renderer.RenderHTML(content)
			if err != nil {
				return err
			}
			content = rendered
		}
		script := fmt.Sprintf("document.querySelector(%q).innerHTML = %q; true", g.def.ContentSelector, content)
		var ok bool
		actions = append(actions,
			chromedp.WaitVisible(g.def.ContentSelector, chromedp.ByQuery),
			chromedp.Evaluate(script, &ok),
		)
	} else {
		actions = append(actions,
			chromedp.SendKeys(g.def.ContentSelector, task.ArticleContent, chromedp.ByQuery),
		)
	}

	actions = append(actions,
		chromedp.Click(g.def.PublishSubmitSelector, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)

	if err := run(ctx, session, actions...); err != nil {
		return fmt.Errorf("publish on %s failed: %w", g.def.Platform, err)
	}
	return nil
}
