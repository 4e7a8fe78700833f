// Package upload decides whether a submitted demo was processed by
// Leetify.
//
// A Watcher hands a staged demo to a Submitter, then reads status payloads
// from the resulting Attempt until one reports the demo as ready or the
// time budget for the attempt runs out. Whichever happens first wins, and
// the attempt is torn down before Watch returns.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
)

// DefaultTimeout bounds a single upload attempt, from the start of
// submission until Leetify reports the demo ready.
const DefaultTimeout = 10 * time.Minute

// Status classifies the outcome of one attempt.
type Status int

const (
	Completed Status = iota + 1
	Failed
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the result of Watch. Upload is set only when Status is
// Completed; Err is set otherwise.
type Outcome struct {
	Status Status
	Upload Upload
	Err    error
}

// Submitter starts the remote upload of one staged file. Submit returns
// once the file has been handed to the remote UI; processing continues
// asynchronously and is observed through the returned Attempt. Errors from
// a UI step that could not be completed should wrap ErrSubmitFailed or
// ErrLoginFailed so they are reported as Failed rather than TimedOut.
type Submitter interface {
	Submit(ctx context.Context, path string) (Attempt, error)
}

// Attempt is a live upload session. Responses delivers the body of every
// status response seen while the session is open. Close tears the session
// down and may be called more than once.
type Attempt interface {
	Responses() <-chan []byte
	Close() error
}

// Watcher runs one upload attempt at a time.
type Watcher struct {
	submitter Submitter
	timeout   time.Duration
	logger    *slog.Logger
}

// NewWatcher returns a Watcher that gives each attempt timeout to
// complete. A non-positive timeout uses DefaultTimeout.
func NewWatcher(submitter Submitter, timeout time.Duration, logger *slog.Logger) *Watcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Watcher{
		submitter: submitter,
		timeout:   timeout,
		logger:    logger,
	}
}

// Watch submits the staged file at path and waits for Leetify to report
// fileName as ready. The time budget starts before submission. Watch
// never returns before the attempt has been closed.
func (w *Watcher) Watch(ctx context.Context, fileName, path string) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()

	attempt, err := w.submitter.Submit(attemptCtx, path)
	if err != nil {
		if isStepError(err) {
			return Outcome{Status: Failed, Err: fmt.Errorf("%s: %w", fileName, err)}
		}

		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return w.timedOut(fileName, start)
		}

		return Outcome{
			Status: Failed,
			Err:    fmt.Errorf("%w: %s: %w", apperrors.ErrSubmitFailed, fileName, err),
		}
	}
	defer w.closeAttempt(attempt, fileName)

	w.logger.Info("demo submitted, waiting for processing",
		slog.String("file", fileName),
		slog.Duration("timeout", w.timeout),
	)

	responses := attempt.Responses()
	seen := 0

	for {
		select {
		case payload, ok := <-responses:
			if !ok {
				return Outcome{
					Status: Failed,
					Err:    fmt.Errorf("%w: %s: status stream closed after %d responses", apperrors.ErrSubmitFailed, fileName, seen),
				}
			}

			seen++

			up, matched := Match(payload, fileName)
			if !matched {
				w.logger.Debug("status response without ready demo",
					slog.String("file", fileName),
					slog.Int("responses", seen),
				)

				continue
			}

			w.logger.Info("demo processed",
				slog.String("file", fileName),
				slog.String("leetify_id", up.ID),
				slog.String("game_id", up.GameID),
				slog.Duration("elapsed", time.Since(start)),
			)

			return Outcome{Status: Completed, Upload: up}

		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return Outcome{
					Status: Failed,
					Err:    fmt.Errorf("%w: %s: %w", apperrors.ErrSubmitFailed, fileName, ctx.Err()),
				}
			}

			return w.timedOut(fileName, start)
		}
	}
}

// isStepError reports whether a Submit error came from a UI step the
// submitter gave up on. Those are failures even when they surface at the
// attempt deadline.
func isStepError(err error) bool {
	return errors.Is(err, apperrors.ErrSubmitFailed) || errors.Is(err, apperrors.ErrLoginFailed)
}

func (w *Watcher) timedOut(fileName string, start time.Time) Outcome {
	return Outcome{
		Status: TimedOut,
		Err: fmt.Errorf("%w: %s after %s",
			apperrors.ErrUploadTimedOut, fileName, time.Since(start).Round(time.Second)),
	}
}

func (w *Watcher) closeAttempt(attempt Attempt, fileName string) {
	if err := attempt.Close(); err != nil {
		w.logger.Warn("failed to close upload session",
			slog.String("file", fileName),
			slog.String("error", err.Error()),
		)
	}
}
