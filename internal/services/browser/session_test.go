package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formrunner/internal/common"
	"github.com/ternarybob/formrunner/internal/jobs"
)

func TestAllocatorOptions(t *testing.T) {
	base := len(allocatorOptions(common.BrowserConfig{}))

	full := allocatorOptions(common.BrowserConfig{
		UserAgent:    "formrunner-test",
		UserDataDir:  t.TempDir(),
		WindowWidth:  1280,
		WindowHeight: 720,
		Lang:         "en-US",
	})
	assert.Equal(t, base+4, len(full))

	// Half a window size is ignored
	partial := allocatorOptions(common.BrowserConfig{WindowWidth: 1280})
	assert.Equal(t, base, len(partial))
}

func TestSession_NotStarted(t *testing.T) {
	session := NewSession(common.NewDefaultConfig().Browser, arbor.NewLogger())

	_, err := session.OpenTab(context.Background(), "https://example.com")
	assert.ErrorIs(t, err, jobs.ErrSessionUnavailable)

	status := session.Status(context.Background())
	assert.False(t, status.Running)
	assert.Empty(t, status.URL)

	assert.NoError(t, session.Close())
}

type recordedRun struct {
	ctx     context.Context
	actions int
}

func TestSession_StartKeepsBrowserContextAlive(t *testing.T) {
	session := NewSession(common.NewDefaultConfig().Browser, arbor.NewLogger())
	var runs []recordedRun
	session.run = func(ctx context.Context, actions ...chromedp.Action) error {
		runs = append(runs, recordedRun{ctx: ctx, actions: len(actions)})
		return nil
	}

	require.NoError(t, session.Start(context.Background()))
	require.Len(t, runs, 2)

	// The launch runs with no actions on the long-lived browser context
	launch := runs[0]
	assert.Equal(t, 0, launch.actions)
	_, hasDeadline := launch.ctx.Deadline()
	assert.False(t, hasDeadline)
	assert.NoError(t, launch.ctx.Err(), "browser context must survive Start")
	assert.Same(t, session.primary.ctx, launch.ctx)

	// The startup navigation is bounded and released once Start returns
	check := runs[1]
	assert.Equal(t, 1, check.actions)
	_, hasDeadline = check.ctx.Deadline()
	assert.True(t, hasDeadline)
	assert.ErrorIs(t, check.ctx.Err(), context.Canceled)

	assert.True(t, session.primary.primary)
	require.NoError(t, session.Close())
	assert.Error(t, launch.ctx.Err())
}

func TestSession_StartLaunchFailure(t *testing.T) {
	session := NewSession(common.NewDefaultConfig().Browser, arbor.NewLogger())
	session.run = func(ctx context.Context, actions ...chromedp.Action) error {
		return errors.New("exec: chrome not found")
	}

	err := session.Start(context.Background())
	assert.ErrorIs(t, err, jobs.ErrSessionUnavailable)
	assert.Nil(t, session.browserCtx)
	assert.Nil(t, session.primary)
}
