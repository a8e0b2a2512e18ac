package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/bridge-keeper/internal/errs"
)

func ctxAuth(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+token))
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("acquire: %w", errs.ErrPoolExhausted), codes.ResourceExhausted},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{fmt.Errorf("dial: %w", errs.ErrConnectTimeout), codes.DeadlineExceeded},
		{fmt.Errorf("ping: %w", errs.ErrAuthInvalid), codes.Unauthenticated},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrLockBusy, codes.Aborted},
		{fmt.Errorf("lease: %w", errs.ErrLockLost), codes.Aborted},
		{fmt.Errorf("batch 2: %w", errs.ErrSyncBatchFailed), codes.Internal},
		{errs.ErrNotFound, codes.NotFound},
		{fmt.Errorf("connected to bot: %w", errs.ErrPlatformMismatch), codes.FailedPrecondition},
		{errs.ErrSessionFailed, codes.FailedPrecondition},
		{errs.ErrNetworkTransient, codes.Unavailable},
		{errors.New("validation: empty userID"), codes.InvalidArgument},
		{errors.New(`protocol: unknown platform "icq"`), codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, c := range cases {
		got := toStatus("op", c.err)
		st, ok := status.FromError(got)
		if !ok || st.Code() != c.want {
			t.Fatalf("%v: want %s, got %v", c.err, c.want, got)
		}
	}
}
