package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/bridge-keeper/internal/metrics"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

func TestLoggingUnary_PassthroughAndCounts(t *testing.T) {
	t.Parallel()

	ic := LoggingUnary(zaptest.NewLogger(t))
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})
	const method = "/bridgekeeper.v1.Bridge/CountedCall"
	info := &grpc.UnaryServerInfo{FullMethod: method}
	okCount := func() float64 { return testutil.ToFloat64(metrics.GRPCRequests.WithLabelValues(method, "OK")) }
	before := okCount()

	resp, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return "ok", nil })
	if err != nil || resp != "ok" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
	if got := okCount(); got != before+1 {
		t.Fatalf("OK counter: got %v, want %v", got, before+1)
	}

	wantErr := errors.New("boom")
	if _, err := ic(ctx, "req", info, func(context.Context, any) (any, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("want original error, got: %v", err)
	}
	if testutil.ToFloat64(metrics.GRPCRequests.WithLabelValues(method, "Unknown")) < 1 {
		t.Fatalf("plain errors count as Unknown")
	}
}

func TestRecoverUnary(t *testing.T) {
	t.Parallel()

	ic := RecoverUnary(zaptest.NewLogger(t))
	info := &grpc.UnaryServerInfo{FullMethod: "/bridgekeeper.v1.Bridge/GetStatus"}
	before := testutil.ToFloat64(metrics.GRPCPanics)

	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("nil map write")
	})
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Internal || st.Message() != "internal" {
		t.Fatalf("want bare Internal, got %v", err)
	}
	if testutil.ToFloat64(metrics.GRPCPanics) < before+1 {
		t.Fatalf("panic not counted")
	}

	resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return 42, nil })
	if err != nil || resp != 42 {
		t.Fatalf("passthrough: resp=%v err=%v", resp, err)
	}
}

type staticVerifier struct{ id uuid.UUID }

func (v staticVerifier) Verify(raw string) (uuid.UUID, error) {
	if raw != "good" {
		return uuid.Nil, errors.New("bad token")
	}
	return v.id, nil
}

func TestAuthUnary(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	ic := AuthUnary(staticVerifier{id: id}, "/grpc.health.v1.Health/")
	var seen uuid.UUID
	h := func(ctx context.Context, req any) (any, error) {
		seen, _ = CallerFrom(ctx)
		return "ok", nil
	}

	private := &grpc.UnaryServerInfo{FullMethod: "/bridgekeeper.v1.Bridge/GetStatus"}
	if _, err := ic(context.Background(), nil, private, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated without metadata, got %v", err)
	}
	if _, err := ic(ctxAuth("forged"), nil, private, h); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated on bad token, got %v", err)
	}
	if _, err := ic(ctxAuth("good"), nil, private, h); err != nil || seen != id {
		t.Fatalf("want caller %s in ctx, got %s (%v)", id, seen, err)
	}

	seen = uuid.Nil
	public := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := ic(context.Background(), nil, public, h); err != nil || seen != uuid.Nil {
		t.Fatalf("health must pass without auth: %v", err)
	}
}

func TestLoggingUnary_DurationFieldDoesNotBlock(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	ic := LoggingUnary(log)

	ctx := context.Background()
	info := &grpc.UnaryServerInfo{FullMethod: "/bridgekeeper.v1.Bridge/Sleep"}
	h := func(ctx context.Context, req any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "done", nil
	}

	start := time.Now()
	resp, err := ic(ctx, "req", info, h)
	if err != nil || resp.(string) != "done" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time")
	}
}

func TestLoggingUnary_LevelByCode(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	ic := LoggingUnary(zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/bridgekeeper.v1.Bridge/GetStatus"}

	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "nope")
	})
	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Internal, "broken")
	})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("levels: %s, %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["code"] != "Internal" {
		t.Fatalf("code field: %v", entries[1].ContextMap())
	}
}
