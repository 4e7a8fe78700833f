package errors

import "errors"

// Pipeline errors. Transient per-item failures are logged by the
// reconciler and the item is retried on the next cycle.
var (
	ErrListingUnavailable = errors.New("demo listing unavailable")
	ErrDownloadFailed     = errors.New("demo download failed")
	ErrSubmitFailed       = errors.New("demo submission failed")
	ErrLoginFailed        = errors.New("leetify login failed")
	ErrUploadTimedOut     = errors.New("timed out waiting for demo to be processed")
	ErrNotifyFailed       = errors.New("discord announcement failed")
)

// State errors. These are fatal: continuing could submit a demo twice or
// drop a completed one.
var (
	ErrStoreCorrupt   = errors.New("state file is corrupt")
	ErrStoreMissing   = errors.New("state file does not exist")
	ErrAlreadyHandled = errors.New("demo already recorded in state")
)
