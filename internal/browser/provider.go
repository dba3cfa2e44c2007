// -----------------------------------------------------------------------
// Browser Provider - manages the single chromedp instance tasks publish
// through. Concurrency control lives in the execution locks; this package
// only guarantees the process is launched, reused, and torn down cleanly.
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/promulgo/internal/interfaces"
	"github.com/ternarybob/promulgo/internal/models"
)

const (
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	startupTestTimeout = 30 * time.Second
)

// Config holds browser launch configuration
type Config struct {
	UserAgent  string `toml:"user_agent" json:"user_agent"`
	DisableGPU bool   `toml:"disable_gpu" json:"disable_gpu"`
	NoSandbox  bool   `toml:"no_sandbox" json:"no_sandbox"`
}

// Provider implements interfaces.BrowserProvider over chromedp
type Provider struct {
	mu            sync.Mutex
	config        Config
	logger        arbor.ILogger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	headless      bool
	running       bool
}

// NewProvider creates a browser provider. The browser process itself starts
// on the first Launch call.
func NewProvider(config Config, logger arbor.ILogger) *Provider {
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &Provider{
		config: config,
		logger: logger,
	}
}

// Launch starts the browser process, reusing a running instance when the
// headless mode matches and restarting it when it does not.
func (p *Provider) Launch(ctx context.Context, opts interfaces.BrowserLaunchOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		if p.headless == opts.Headless {
			return nil
		}
		p.logger.Info().Bool("headless", opts.Headless).Msg("Headless mode changed, restarting browser")
		p.shutdownLocked()
	}

	start := time.Now()
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", p.config.DisableGPU),
		chromedp.Flag("no-sandbox", p.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(p.config.UserAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Startup test proves the process actually came up
	testCtx, testCancel := context.WithTimeout(browserCtx, startupTestTimeout)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	p.headless = opts.Headless
	p.running = true

	p.logger.Info().
		Bool("headless", opts.Headless).
		Dur("startup_time", time.Since(start)).
		Msg("Browser launched")
	return nil
}

// NewSession opens a fresh tab in the running browser
func (p *Provider) NewSession(ctx context.Context) (interfaces.BrowserSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("browser is not running")
	}

	tabCtx, tabCancel := chromedp.NewContext(p.browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	return &session{ctx: tabCtx, cancel: tabCancel}, nil
}

// CloseSession closes a tab, leaving the browser running
func (p *Provider) CloseSession(ctx context.Context, s interfaces.BrowserSession) error {
	if sess, ok := s.(*session); ok {
		sess.cancel()
	}
	return nil
}

// Close shuts the browser down gracefully
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	done := make(chan struct{})
	browserCtx := p.browserCtx
	go func() {
		_ = chromedp.Cancel(browserCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("Graceful browser close timed out")
		p.shutdownLocked()
		return ctx.Err()
	}

	p.shutdownLocked()
	p.logger.Info().Msg("Browser closed")
	return nil
}

// ForceClose kills the browser process outright. Safe to call at any time,
// including when nothing is running.
func (p *Provider) ForceClose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.shutdownLocked()
	p.logger.Warn().Msg("Browser force-closed")
}

// shutdownLocked cancels the contexts, which terminates the child process.
// Caller holds p.mu.
func (p *Provider) shutdownLocked() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.browserCtx = nil
	p.browserCancel = nil
	p.allocCancel = nil
	p.running = false
}

// session is one tab context
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) Context() context.Context {
	return s.ctx
}

// run executes chromedp actions on the tab, honoring the caller's deadline.
// A force-closed browser cancels s.ctx, which also unblocks the run.
func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(s.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate loads the URL and waits for the document body to be ready
func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// SetCookies installs stored login cookies into the tab
func (s *session) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	action := chromedp.ActionFunc(func(cctx context.Context) error {
		for _, c := range cookies {
			param := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(orDefault(c.Path, "/")).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				param = param.WithExpires(&expires)
			}
			if err := param.Do(cctx); err != nil {
				return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
	return s.run(ctx, action)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
