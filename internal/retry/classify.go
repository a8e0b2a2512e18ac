// Package retry classifies failures and runs operations under the per-kind retry policy.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
)

// Classify maps an error onto an ErrorKind. nil classifies as unknown.
func Classify(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorUnknown
	}
	switch {
	case errors.Is(err, errs.ErrAuthInvalid), errors.Is(err, errs.ErrUnauthorized):
		return model.ErrorAuth
	case errors.Is(err, errs.ErrRateLimited):
		return model.ErrorRateLimit
	case isNetwork(err):
		return model.ErrorNetwork
	case errors.Is(err, errs.ErrSyncBatchFailed), errors.Is(err, errs.ErrLockLost):
		return model.ErrorSync
	}
	return model.ErrorUnknown
}

func isNetwork(err error) bool {
	switch {
	case errors.Is(err, errs.ErrNetworkTransient),
		errors.Is(err, errs.ErrConnectTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfter extracts a server-requested wait from err, zero if none.
func RetryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
