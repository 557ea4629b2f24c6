package remote

import (
	"errors"
	"fmt"
)

// Error codes for sync failures
const (
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeServerError  = "server_error"
	CodeBadRequest   = "bad_request"
	CodeUnreachable  = "unreachable"
	CodeVersionStale = "version_stale"
	CodeChecksum     = "checksum_mismatch"
	CodePayloadLimit = "payload_too_large"
)

// SyncError is a classified failure from the remote store. Retryable errors
// leave the affected operations pending; non-retryable errors consume retry
// budget.
type SyncError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a classified sync failure
func NewSyncError(code, message string, retryable bool, err error) *SyncError {
	return &SyncError{Code: code, Message: message, Retryable: retryable, Err: err}
}

// IsRetryable reports whether an error should leave the operation pending
// for a later attempt. Unknown errors are treated as retryable; transient
// network conditions should never burn retry budget.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return true
}
