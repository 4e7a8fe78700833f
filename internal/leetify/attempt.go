package leetify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// attempt is one upload tab. CDP events arrive on chromedp's goroutines;
// status bodies are handed to the watcher over responses.
type attempt struct {
	statusURL string
	logger    *slog.Logger

	responses chan []byte
	chooser   chan cdp.BackendNodeID
	done      chan struct{}

	cancelTab context.CancelFunc
	stopAfter func() bool
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[network.RequestID]struct{}
}

func newAttempt(cancelTab context.CancelFunc, stopAfter func() bool, statusURL string, logger *slog.Logger) *attempt {
	return &attempt{
		statusURL: statusURL,
		logger:    logger,
		responses: make(chan []byte),
		chooser:   make(chan cdp.BackendNodeID, 1),
		done:      make(chan struct{}),
		cancelTab: cancelTab,
		stopAfter: stopAfter,
		pending:   make(map[network.RequestID]struct{}),
	}
}

// Responses implements upload.Attempt.
func (a *attempt) Responses() <-chan []byte {
	return a.responses
}

// Close closes the tab. Pending deliveries are dropped.
func (a *attempt) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.stopAfter()
		a.cancelTab()
	})

	return nil
}

// handleEvent tracks status responses and calls fetch once a tracked
// response body has finished loading. fetch runs on its own goroutine,
// since CDP commands cannot be issued from inside a listener.
func (a *attempt) handleEvent(ev interface{}, fetch func(network.RequestID)) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil || !a.isStatusURL(e.Response.URL) {
			return
		}

		a.mu.Lock()
		a.pending[e.RequestID] = struct{}{}
		a.mu.Unlock()

	case *network.EventLoadingFinished:
		a.mu.Lock()
		_, ok := a.pending[e.RequestID]
		delete(a.pending, e.RequestID)
		a.mu.Unlock()

		if ok {
			go fetch(e.RequestID)
		}

	case *network.EventLoadingFailed:
		a.mu.Lock()
		delete(a.pending, e.RequestID)
		a.mu.Unlock()

	case *page.EventFileChooserOpened:
		select {
		case a.chooser <- e.BackendNodeID:
		default:
		}
	}
}

// deliver passes a status body to the watcher, or drops it if the
// attempt has been closed.
func (a *attempt) deliver(body []byte) {
	select {
	case a.responses <- body:
	case <-a.done:
	}
}

// waitChooser waits for the intercepted file chooser and returns the
// backing input node.
func (a *attempt) waitChooser(ctx context.Context, timeout time.Duration) (cdp.BackendNodeID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-a.chooser:
		if id == 0 {
			return 0, fmt.Errorf("file chooser has no input element")
		}

		return id, nil
	case <-timer.C:
		return 0, fmt.Errorf("file chooser did not open within %s", timeout)
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for file chooser: %w", ctx.Err())
	}
}

// isStatusURL compares scheme, host and path, ignoring any query string.
func (a *attempt) isStatusURL(raw string) bool {
	if raw == a.statusURL {
		return true
	}

	got, err := url.Parse(raw)
	if err != nil {
		return false
	}

	want, err := url.Parse(a.statusURL)
	if err != nil {
		return false
	}

	return got.Scheme == want.Scheme && got.Host == want.Host && got.Path == want.Path
}
