package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
)

type flakyService struct {
	starts atomic.Int32
	fails  int32
}

func (f *flakyService) Serve(ctx context.Context) error {
	if f.starts.Add(1) <= f.fails {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTree_RestartsFailedService(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	tree := New(zap.New(core), TreeConfig{FailureBackoff: 10 * time.Millisecond, ShutdownTimeout: time.Second})
	svc := &flakyService{fails: 2}
	tree.AddCore(Named("flaky", svc))
	tree.AddAPI(Named("steady", &flakyService{}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return svc.starts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
	require.NotZero(t, logs.FilterMessageSnippet("flaky").Len(), "terminations should be logged with the service name")
}

func TestTree_Defaults(t *testing.T) {
	t.Parallel()

	tree := New(nil, TreeConfig{})
	require.Equal(t, DefaultTreeConfig(), tree.cfg)
}

type fakeHTTP struct {
	stop     chan struct{}
	shutdown atomic.Bool
	failWith error
}

func (f *fakeHTTP) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPService(t *testing.T) {
	t.Parallel()

	srv := &fakeHTTP{stop: make(chan struct{})}
	svc := NewHTTPService("ops-http", srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.True(t, srv.shutdown.Load())
	require.Equal(t, "ops-http", svc.String())

	bad := NewHTTPService("ops-http", &fakeHTTP{failWith: errors.New("address in use")}, 0)
	err := bad.Serve(context.Background())
	require.ErrorContains(t, err, "address in use")
}

func TestGRPCService(t *testing.T) {
	t.Parallel()

	svc := NewGRPCService(grpc.NewServer(), "127.0.0.1:0", time.Second)
	var addr atomic.Value
	svc.listen = func(network, a string) (net.Listener, error) {
		lis, err := net.Listen(network, a)
		if err == nil {
			addr.Store(lis.Addr().String())
		}
		return lis, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return addr.Load() != nil }, time.Second, 5*time.Millisecond)
	conn, err := net.Dial("tcp", addr.Load().(string))
	require.NoError(t, err)
	_ = conn.Close()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("grpc service did not stop")
	}
}

func TestGRPCService_ListenError(t *testing.T) {
	t.Parallel()

	svc := NewGRPCService(grpc.NewServer(), "not-an-address", 0)
	require.ErrorContains(t, svc.Serve(context.Background()), "grpc listen")
}
