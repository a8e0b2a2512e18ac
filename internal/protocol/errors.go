package protocol

import (
	"fmt"
	"net/http"
	"time"

	"github.com/and161185/bridge-keeper/internal/errs"
)

// Remote error codes the core reacts to.
const (
	CodeForbidden     = "M_FORBIDDEN"
	CodeUnknownToken  = "M_UNKNOWN_TOKEN"
	CodeMissingToken  = "M_MISSING_TOKEN"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeNotFound      = "M_NOT_FOUND"
	CodeUnknown       = "M_UNKNOWN"
)

// RemoteError is a structured error returned by a remote platform. It matches the errs
// sentinels with errors.Is, so callers never need to inspect codes:
//
//	errors.Is(err, errs.ErrRateLimited)
type RemoteError struct {
	Code         string `json:"errcode"`
	Message      string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	StatusCode   int    `json:"-"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is maps remote codes onto the error taxonomy.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case errs.ErrAuthInvalid:
		return e.Code == CodeUnknownToken || e.Code == CodeMissingToken || e.Code == CodeForbidden ||
			(e.Code == "" && e.StatusCode == http.StatusUnauthorized)
	case errs.ErrRateLimited:
		return e.Code == CodeLimitExceeded || e.StatusCode == http.StatusTooManyRequests
	case errs.ErrNetworkTransient:
		return e.StatusCode >= 500
	case errs.ErrNotFound:
		return e.Code == CodeNotFound
	}
	return false
}

// RetryAfter is the server-requested wait, zero if none was given.
func (e *RemoteError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}
