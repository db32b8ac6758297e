package models

import "errors"

// Error kinds used across the pipeline. Components wrap these with %w so
// callers classify with errors.Is regardless of where the failure surfaced.
var (
	// ErrTransient marks retryable failures: network blips, lock timeouts,
	// transfer timeouts.
	ErrTransient = errors.New("transient error")

	// ErrIntegrity marks a copy/verify mismatch. Fail-closed: the suspect
	// destination is deleted and the file excluded from the batch.
	ErrIntegrity = errors.New("integrity error")

	// ErrCapacity marks a file exceeding the configured size limit. The file
	// is skipped and the batch continues.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrAuth is fatal for the whole run: no point uploading without
	// credentials.
	ErrAuth = errors.New("authentication error")

	// ErrStorage means the ledger is unavailable. Fatal for the run, since
	// dedup and audit correctness cannot be guaranteed without it.
	ErrStorage = errors.New("ledger storage error")

	// ErrInvalidInput marks degenerate input handed to the trimmer.
	ErrInvalidInput = errors.New("invalid input")
)

// IsFatal reports whether err should abort the remaining batch rather than
// just the current file.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrStorage)
}

// IsTransient reports whether err is worth retrying with the same task
// parameters.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
