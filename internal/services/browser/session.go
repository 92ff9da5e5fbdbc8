// -----------------------------------------------------------------------
// Browser Session - Lazily started chromedp browser shared by all lanes
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/interfaces"
	"github.com/ternarybob/formrunner/internal/jobs"
	"github.com/ternarybob/formrunner/internal/models"
)

// Session owns one browser process. The first tab is the primary lane and
// survives batch runs; extra lanes are opened with OpenTab.
type Session struct {
	config common.BrowserConfig
	logger arbor.ILogger

	mu              sync.Mutex
	allocatorCancel context.CancelFunc
	browserCancel   context.CancelFunc
	browserCtx      context.Context
	primary         *Tab
	startedAt       time.Time

	run func(ctx context.Context, actions ...chromedp.Action) error
}

// NewSession creates a session; the browser is not launched until first use.
func NewSession(config common.BrowserConfig, logger arbor.ILogger) *Session {
	return &Session{
		config: config,
		logger: logger,
		run:    chromedp.Run,
	}
}

// Start launches the browser if it is not running and probes it with a blank page.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.browserCtx != nil {
		return nil
	}

	startTime := time.Now()
	s.logger.Info().
		Bool("headless", s.config.Headless).
		Str("user_data_dir", s.config.UserDataDir).
		Msg("Starting browser session")

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(s.config)...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// Chrome is bound to the context of the first Run; it must outlive this call.
	if err := s.run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("%w: browser failed to launch: %v", jobs.ErrSessionUnavailable, err)
	}

	probeCtx, probeCancel := context.WithTimeout(browserCtx, s.config.RequestTimeoutDuration())
	defer probeCancel()
	stop := context.AfterFunc(ctx, probeCancel)
	defer stop()

	if err := s.run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("%w: browser failed startup test: %v", jobs.ErrSessionUnavailable, err)
	}

	s.allocatorCancel = allocatorCancel
	s.browserCancel = browserCancel
	s.browserCtx = browserCtx
	s.primary = newTab(browserCtx, browserCancel, true, s.logger)
	s.startedAt = time.Now().UTC()

	s.logger.Info().
		Dur("startup_time", time.Since(startTime)).
		Str("target_id", string(s.primary.ID())).
		Msg("Browser session started")
	return nil
}

// Primary returns the primary tab, launching the browser when needed.
func (s *Session) Primary(ctx context.Context) (interfaces.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(ctx); err != nil {
		return nil, err
	}
	return s.primary, nil
}

// OpenTab opens a new target in the running browser and navigates it to url.
func (s *Session) OpenTab(ctx context.Context, url string) (interfaces.Tab, error) {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	if browserCtx == nil {
		return nil, jobs.ErrSessionUnavailable
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	tab := newTab(tabCtx, tabCancel, false, s.logger)
	if err := tab.Navigate(ctx, url); err != nil {
		tabCancel()
		return nil, err
	}

	s.logger.Debug().
		Str("target_id", string(tab.ID())).
		Str("url", url).
		Msg("Opened tab")
	return tab, nil
}

// Status reports whether the browser is running and where the primary tab is.
func (s *Session) Status(ctx context.Context) models.SessionStatus {
	s.mu.Lock()
	primary := s.primary
	status := models.SessionStatus{
		Running:   s.browserCtx != nil,
		Headless:  s.config.Headless,
		StartedAt: s.startedAt,
	}
	s.mu.Unlock()

	if primary == nil {
		return status
	}

	status.TargetID = string(primary.ID())
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if url, err := primary.CurrentURL(probeCtx); err == nil {
		status.URL = url
	}
	return status
}

// Close shuts down the browser and every tab. The session can be started again.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx == nil {
		return nil
	}

	s.browserCancel()
	s.allocatorCancel()
	s.browserCtx = nil
	s.primary = nil
	s.startedAt = time.Time{}

	s.logger.Info().Msg("Browser session closed")
	return nil
}

func allocatorOptions(config common.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", config.DisableGPU),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)

	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	if config.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(config.UserDataDir))
	}
	if config.WindowWidth > 0 && config.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(config.WindowWidth, config.WindowHeight))
	}
	if config.Lang != "" {
		opts = append(opts, chromedp.Flag("lang", config.Lang))
	}
	return opts
}
