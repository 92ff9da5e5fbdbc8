package interfaces

import (
	"context"

	"github.com/ternarybob/formrunner/internal/models"
)

// Tab is one browser execution context (a lane). Implementations must be safe
// for use by a single goroutine at a time; the executor never shares a tab
// between lanes.
type Tab interface {
	// Navigate loads url and waits for the navigation to commit
	Navigate(ctx context.Context, url string) error

	// CurrentURL returns the tab's current location
	CurrentURL(ctx context.Context) (string, error)

	// Evaluate runs a JavaScript expression and stores the result in res
	Evaluate(ctx context.Context, expression string, res interface{}) error

	// HasElement reports whether selector currently matches an element
	HasElement(ctx context.Context, selector string) (bool, error)

	// Close releases the tab
	Close() error
}

// Browser opens additional tabs sharing the primary tab's session.
type Browser interface {
	// OpenTab opens a new tab already navigated to url
	OpenTab(ctx context.Context, url string) (Tab, error)
}

// ChunkSubmitter submits one chunk of items through a tab.
// A nil error means the chunk was accepted; any error is a lane-fatal failure.
type ChunkSubmitter interface {
	SubmitChunk(ctx context.Context, tab Tab, payload models.ChunkPayload) error
}

// BrowserSession owns the browser process behind the primary tab.
type BrowserSession interface {
	Browser

	// Primary returns the long-lived primary tab, starting the browser if needed
	Primary(ctx context.Context) (Tab, error)

	// Status reports whether the browser is running
	Status(ctx context.Context) models.SessionStatus

	// Close shuts the browser down; a later Primary call starts a new one
	Close() error
}
