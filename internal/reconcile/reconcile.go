// Package reconcile compares the demo listing against the set of demos
// already on Leetify and uploads the difference, one demo at a time.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/demo-relay/internal/history"
	"github.com/alexjbarnes/demo-relay/internal/state"
	"github.com/alexjbarnes/demo-relay/internal/upload"
)

//go:generate mockgen -source=reconcile.go -destination=mock_deps_test.go -package=reconcile

// Lister returns the candidate file names currently on the demo host.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// StateStore persists the set of demos already uploaded.
type StateStore interface {
	Load() (state.Handled, error)
	Commit(handled state.Handled, item state.HandledItem) (state.Handled, error)
}

// Stager moves demos between the host and local staging. Sweep empties
// staging and is the fallback when a single Discard fails.
type Stager interface {
	Download(ctx context.Context, fileName string) (string, error)
	Discard(fileName string) error
	Sweep() (int, error)
}

// Watcher runs one upload attempt for a staged demo.
type Watcher interface {
	Watch(ctx context.Context, fileName, path string) upload.Outcome
}

// Notifier announces a completed upload.
type Notifier interface {
	Announce(ctx context.Context, up upload.Upload) error
}

// Recorder keeps per-demo attempt history.
type Recorder interface {
	RecordAttempt(fileName string, status history.Status, errMsg, remoteID string, at time.Time) error
}

// Deps holds the collaborators of a Reconciler.
type Deps struct {
	Lister   Lister
	Store    StateStore
	Stager   Stager
	Watcher  Watcher
	Notifier Notifier
	Recorder Recorder
}

// Reconciler runs reconciliation cycles. Cycles must not overlap; Schedule
// guarantees that.
type Reconciler struct {
	lister   Lister
	store    StateStore
	stager   Stager
	watcher  Watcher
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger

	// dirty is set when a staged demo could not be removed. No further
	// demo is staged until a sweep succeeds.
	dirty bool

	now func() time.Time
}

// NewReconciler returns a Reconciler wired to deps.
func NewReconciler(deps Deps, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		lister:   deps.Lister,
		store:    deps.Store,
		stager:   deps.Stager,
		watcher:  deps.Watcher,
		notifier: deps.Notifier,
		recorder: deps.Recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Cycle performs one pass: load state, list candidates, and process every
// candidate not yet handled, in listing order. It returns an error only
// when the process should stop: the state could not be loaded or a
// completion could not be committed, or ctx was cancelled.
//
// A cycle is skipped while staging still holds a demo that could not be
// removed.
func (r *Reconciler) Cycle(ctx context.Context) error {
	if r.dirty && !r.sweep() {
		r.logger.Warn("staging not clean, skipping cycle")
		return nil
	}

	handled, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	candidates, err := r.lister.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warn("listing unavailable, nothing to do this cycle", slog.String("error", err.Error()))

		return nil
	}

	pending := Pending(handled, candidates)

	r.logger.Info("reconciling",
		slog.Int("listed", len(candidates)),
		slog.Int("handled", len(handled)),
		slog.Int("pending", len(pending)),
	)

	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		handled, err = r.process(ctx, handled, name)
		if err != nil {
			return err
		}

		if r.dirty {
			r.logger.Warn("staging not clean, stopping cycle")
			return nil
		}
	}

	return nil
}

// process runs one candidate through download, upload and commit. Only a
// failed commit is returned as an error.
func (r *Reconciler) process(ctx context.Context, handled state.Handled, name string) (state.Handled, error) {
	log := r.logger.With(slog.String("file", name))

	path, err := r.stager.Download(ctx, name)
	if err != nil {
		log.Warn("download failed", slog.String("error", err.Error()))
		r.record(name, history.StatusDownloadFailed, err, "")

		return handled, nil
	}

	log.Info("demo staged", slog.String("path", path))

	out := r.watcher.Watch(ctx, name, path)

	if err := r.stager.Discard(name); err != nil {
		log.Error("failed to remove staged demo", slog.String("error", err.Error()))
		r.dirty = !r.sweep()
	}

	switch out.Status {
	case upload.Completed:
		next, err := r.store.Commit(handled, state.HandledItem{RemoteID: out.Upload.ID, FileName: name})
		if err != nil {
			r.record(name, history.StatusFailed, err, out.Upload.ID)
			return handled, fmt.Errorf("committing %s: %w", name, err)
		}

		log.Info("upload committed", slog.String("leetify_id", out.Upload.ID))
		r.record(name, history.StatusCompleted, nil, out.Upload.ID)

		if err := r.notifier.Announce(ctx, out.Upload); err != nil {
			log.Warn("announcement failed", slog.String("error", err.Error()))
		}

		return next, nil

	case upload.TimedOut:
		log.Warn("upload timed out", slog.String("error", errString(out.Err)))
		r.record(name, history.StatusTimedOut, out.Err, "")

	default:
		log.Warn("upload failed", slog.String("error", errString(out.Err)))
		r.record(name, history.StatusFailed, out.Err, "")
	}

	return handled, nil
}

// sweep empties staging and reports whether it is now clean.
func (r *Reconciler) sweep() bool {
	n, err := r.stager.Sweep()
	if err != nil {
		r.logger.Error("failed to sweep staging", slog.String("error", err.Error()))
		return false
	}

	r.dirty = false
	r.logger.Info("staging swept", slog.Int("removed", n))

	return true
}

func (r *Reconciler) record(name string, status history.Status, cause error, remoteID string) {
	if r.recorder == nil {
		return
	}

	if err := r.recorder.RecordAttempt(name, status, errString(cause), remoteID, r.now()); err != nil {
		r.logger.Warn("failed to record attempt",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// Pending returns the candidates not present in handled, in candidate
// order, without duplicates.
func Pending(handled state.Handled, candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))

	var out []string
	for _, name := range candidates {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if handled.Contains(name) {
			continue
		}

		out = append(out, name)
	}

	return out
}
