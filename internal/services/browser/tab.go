package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// Tab is one chromedp target. Every action runs in the tab's own context and
// is also aborted when the caller's context is cancelled.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	primary bool
	logger  arbor.ILogger

	mu     sync.Mutex
	closed bool
}

func newTab(ctx context.Context, cancel context.CancelFunc, primary bool, logger arbor.ILogger) *Tab {
	return &Tab{
		ctx:     ctx,
		cancel:  cancel,
		primary: primary,
		logger:  logger,
	}
}

// ID returns the CDP target id, empty until the tab has run an action.
func (t *Tab) ID() target.ID {
	if c := chromedp.FromContext(t.ctx); c != nil && c.Target != nil {
		return c.Target.TargetID
	}
	return ""
}

// Navigate loads url and waits for the load event.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// CurrentURL returns the document location.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := t.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

// Evaluate runs expr in the page, awaiting a returned promise, and decodes
// the result into res.
func (t *Tab) Evaluate(ctx context.Context, expr string, res interface{}) error {
	return t.run(ctx, chromedp.Evaluate(expr, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// HasElement reports whether selector currently matches an element.
func (t *Tab) HasElement(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var found bool
	if err := t.Evaluate(ctx, fmt.Sprintf("document.querySelector(%s) !== null", quoted), &found); err != nil {
		return false, err
	}
	return found, nil
}

// Close closes the target. The primary tab stays open until the session closes.
func (t *Tab) Close() error {
	if t.primary {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.logger.Debug().Str("target_id", string(t.ID())).Msg("Closing tab")
	t.cancel()
	return nil
}

func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("tab is closed")
	}

	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}
