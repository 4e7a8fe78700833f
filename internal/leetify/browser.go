// Package leetify drives the Leetify web app in Chrome to upload demos.
//
// Leetify has no public upload API, so uploads go through the same UI a
// person would use. One Chrome process lives for the whole daemon and
// holds the login cookies. Each upload runs in its own tab, which is
// closed when the attempt ends.
package leetify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
	"github.com/alexjbarnes/demo-relay/internal/upload"
)

const (
	loginPath       = "/auth/login"
	dataSourcesPath = "/app/data-sources"
	statusPath      = "/api/games/uploaded"

	emailField     = "#email"
	passwordField  = "#password"
	signInButton   = "input[value='Sign in']"
	selectDemoFile = "//button[contains(., 'Select demo file')]"

	// defaultChooserTimeout is how long to wait for the file chooser after
	// clicking the upload button.
	defaultChooserTimeout = 30 * time.Second

	// defaultStepTimeout bounds each page interaction: signing in, and
	// reaching the upload button.
	defaultStepTimeout = 60 * time.Second
)

// Config holds what the browser session needs to log in and upload.
type Config struct {
	Email    string
	Password string

	// BaseURL is the Leetify web origin, APIURL the API origin whose
	// status endpoint reports processing progress.
	BaseURL string
	APIURL  string

	Headless bool

	// ExecPath overrides the Chrome binary. Empty lets chromedp search.
	ExecPath string

	// NoSandbox disables Chrome's sandbox, which is needed when running
	// as root inside a container.
	NoSandbox bool

	ChooserTimeout time.Duration
	StepTimeout    time.Duration
}

// Browser owns the Chrome process and the Leetify login. It is safe for
// sequential use; Submit calls are serialized.
type Browser struct {
	cfg    Config
	logger *slog.Logger

	// parent bounds the lifetime of Chrome itself, independent of any
	// single attempt's deadline.
	parent context.Context

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	authenticated bool
}

// NewBrowser returns a Browser. Chrome is not started until the first
// Submit. Cancelling ctx shuts Chrome down.
func NewBrowser(ctx context.Context, cfg Config, logger *slog.Logger) *Browser {
	if cfg.ChooserTimeout <= 0 {
		cfg.ChooserTimeout = defaultChooserTimeout
	}

	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}

	return &Browser{
		cfg:    cfg,
		logger: logger,
		parent: ctx,
	}
}

// StatusURL is the endpoint whose responses report upload progress.
func (b *Browser) StatusURL() string {
	return b.cfg.APIURL + statusPath
}

// Submit logs in if needed, opens a fresh tab, and hands the file at path
// to Leetify's demo upload control. The returned attempt streams status
// response bodies until it is closed or ctx ends. A step that cannot be
// completed within StepTimeout fails with ErrLoginFailed or
// ErrSubmitFailed instead of waiting out ctx.
func (b *Browser) Submit(ctx context.Context, path string) (upload.Attempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	browserCtx, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}

	if err := b.ensureLogin(ctx, browserCtx); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	a := newAttempt(cancelTab, context.AfterFunc(ctx, cancelTab), b.StatusURL(), b.logger)

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		a.handleEvent(ev, func(id network.RequestID) {
			body, err := network.GetResponseBody(id).Do(cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target))
			if err != nil {
				b.logger.Debug("reading status response body failed",
					slog.String("request_id", string(id)),
					slog.String("error", err.Error()),
				)

				return
			}

			a.deliver(body)
		})
	})

	// The tab is created by the first Run, which must not carry the step
	// deadline: when that deadline passes the tab would be closed with it.
	if err := chromedp.Run(tabCtx, network.Enable(), page.SetInterceptFileChooserDialog(true)); err != nil {
		a.Close()
		b.resetIfDead()

		return nil, fmt.Errorf("%w: opening tab: %w", apperrors.ErrSubmitFailed, err)
	}

	stepCtx, cancelStep := context.WithTimeout(tabCtx, b.cfg.StepTimeout)
	err = chromedp.Run(stepCtx,
		chromedp.Navigate(b.cfg.BaseURL+dataSourcesPath),
		chromedp.WaitVisible(selectDemoFile, chromedp.BySearch),
		chromedp.Click(selectDemoFile, chromedp.BySearch),
	)
	cancelStep()

	if err != nil {
		a.Close()
		b.resetIfDead()

		return nil, fmt.Errorf("%w: opening demo upload: %w", apperrors.ErrSubmitFailed, err)
	}

	nodeID, err := a.waitChooser(ctx, b.cfg.ChooserTimeout)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSubmitFailed, err)
	}

	if err := chromedp.Run(tabCtx, dom.SetFileInputFiles([]string{path}).WithBackendNodeID(nodeID)); err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: file chooser rejected %s: %w", apperrors.ErrSubmitFailed, path, err)
	}

	b.logger.Debug("demo handed to file chooser", slog.String("path", path))

	return a, nil
}

// Close shuts down Chrome. The Browser can be reused afterwards; the next
// Submit starts a new Chrome and logs in again.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdown()

	return nil
}

// ensureBrowser starts Chrome if it is not running. A Chrome that exited
// on its own is replaced, and the login state goes with it.
func (b *Browser) ensureBrowser() (context.Context, error) {
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}

	if b.browserCtx != nil {
		b.logger.Warn("browser exited, starting a new one")
		b.shutdown()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(b.parent, b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			b.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// The first Run on a fresh context launches the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()

		return nil, fmt.Errorf("%w: starting browser: %w", apperrors.ErrSubmitFailed, err)
	}

	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.allocCancel = allocCancel

	b.logger.Info("browser started", slog.Bool("headless", b.cfg.Headless))

	return browserCtx, nil
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", b.cfg.Headless))

	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}

	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	return opts
}

// ensureLogin signs in once per browser. A failed login is retried on
// the next Submit.
func (b *Browser) ensureLogin(ctx context.Context, browserCtx context.Context) error {
	if b.authenticated {
		return nil
	}

	b.logger.Info("signing in to leetify", slog.String("email", b.cfg.Email))

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tabCtx); err != nil {
		b.resetIfDead()
		return fmt.Errorf("%w: opening tab: %w", apperrors.ErrLoginFailed, err)
	}

	stepCtx, cancelStep := context.WithTimeout(tabCtx, b.cfg.StepTimeout)
	defer cancelStep()

	err := chromedp.Run(stepCtx,
		chromedp.Navigate(b.cfg.BaseURL+loginPath),
		chromedp.WaitVisible(emailField, chromedp.ByQuery),
		chromedp.SendKeys(emailField, b.cfg.Email, chromedp.ByQuery),
		chromedp.SendKeys(passwordField, b.cfg.Password, chromedp.ByQuery),
		chromedp.Click(signInButton, chromedp.ByQuery),
		chromedp.WaitNotPresent(passwordField, chromedp.ByQuery),
	)
	if err != nil {
		b.resetIfDead()
		return fmt.Errorf("%w: %w", apperrors.ErrLoginFailed, err)
	}

	b.authenticated = true
	b.logger.Info("signed in to leetify")

	return nil
}

func (b *Browser) resetIfDead() {
	if b.browserCtx != nil && b.browserCtx.Err() != nil {
		b.shutdown()
	}
}

func (b *Browser) shutdown() {
	if b.browserCancel != nil {
		b.browserCancel()
	}

	if b.allocCancel != nil {
		b.allocCancel()
	}

	b.browserCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
	b.authenticated = false
}
