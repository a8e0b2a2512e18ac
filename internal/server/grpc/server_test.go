package grpcserver

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/bridge-keeper/internal/api"
	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/service"
)

type fakeBridge struct {
	mu        sync.Mutex
	lastUser  uuid.UUID
	lastIn    service.ConnectInput
	syncState model.JobState
}

var _ service.BridgeService = (*fakeBridge)(nil)

func (f *fakeBridge) Connect(_ context.Context, userID uuid.UUID, in service.ConnectInput) (model.SessionInfo, error) {
	f.mu.Lock()
	f.lastUser, f.lastIn = userID, in
	f.mu.Unlock()
	return model.SessionInfo{UserID: userID, Platform: in.Platform, State: model.SessionConnected,
		Health: model.HealthHealthy, ConnectedAt: time.Now()}, nil
}
func (f *fakeBridge) Disconnect(_ context.Context, _ uuid.UUID, platform string) error {
	if platform == "bot" {
		return errs.ErrPlatformMismatch
	}
	return nil
}
func (f *fakeBridge) GetStatus(_ context.Context, userID uuid.UUID, _ string) (model.SessionInfo, error) {
	return model.SessionInfo{UserID: userID, State: model.SessionError, LastError: "gave up after 5 reconnect attempts"}, nil
}
func (f *fakeBridge) ResetSession(context.Context, uuid.UUID) error { return nil }
func (f *fakeBridge) RequestSync(_ context.Context, userID uuid.UUID, t model.EntityType, id string) (model.SyncView, error) {
	return model.SyncView{
		JobID: uuid.Must(uuid.NewV4()), Key: model.SyncKey{UserID: userID, EntityType: t, EntityID: id},
		State: f.syncState, Status: model.SyncPending, Progress: 40, Processed: 100, EstimatedTotal: 250,
	}, nil
}
func (f *fakeBridge) GetSyncStatus(context.Context, uuid.UUID, model.EntityType, string) (model.SyncView, error) {
	return model.SyncView{}, errs.ErrNotFound
}
func (f *fakeBridge) CancelSync(context.Context, uuid.UUID, model.EntityType, string) (bool, error) {
	return true, nil
}
func (f *fakeBridge) ListContacts(context.Context, uuid.UUID) ([]model.Contact, error) {
	return []model.Contact{{RemoteID: "100", DisplayName: "Bob"}}, nil
}
func (f *fakeBridge) ListMessages(_ context.Context, _ uuid.UUID, contactID string, _ int) ([]model.Message, error) {
	return []model.Message{{ContactID: contactID, RemoteID: "$1", Body: "hi", SentAt: time.Unix(1700000000, 0)}}, nil
}

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server, tokens TokenVerifier) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs, _ := NewGRPC(srv, tokens, zaptest.NewLogger(t))
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() }
	return cc, stop
}

func TestServer_E2E_BasicFlow(t *testing.T) {
	t.Parallel()

	tokens, err := service.NewTokens([]byte(strings.Repeat("s", 32)), time.Minute)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	fb := &fakeBridge{syncState: model.JobFetching}
	cc, stop := startBufGRPC(t, New(fb, zaptest.NewLogger(t)), tokens)
	defer stop()
	cl := api.NewBridgeClient(cc)

	if _, err := cl.GetStatus(context.Background(), &api.SessionRequest{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated without token, got %v", err)
	}

	user := uuid.Must(uuid.NewV4())
	tok, _, err := tokens.Issue(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	sess, err := cl.Connect(ctx, &api.ConnectRequest{Platform: "matrix", HomeserverURL: "https://hs", AccessToken: "at", ExpiresAt: &exp})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sess.State != "CONNECTED" || sess.UserID != user.String() || sess.ConnectedAt == nil {
		t.Fatalf("bad session: %+v", sess)
	}
	fb.mu.Lock()
	gotUser, gotIn := fb.lastUser, fb.lastIn
	fb.mu.Unlock()
	if gotUser != user || gotIn.AccessToken != "at" || !gotIn.ExpiresAt.Equal(exp) {
		t.Fatalf("bad connect input: %+v", gotIn)
	}

	st, err := cl.GetStatus(ctx, &api.SessionRequest{Platform: "matrix"})
	if err != nil || st.State != "ERROR" || st.LastError == "" {
		t.Fatalf("status: %v, resp=%+v", err, st)
	}

	if _, err := cl.Disconnect(ctx, &api.SessionRequest{Platform: "bot"}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("want FailedPrecondition, got %v", err)
	}

	sync, err := cl.RequestSync(ctx, &api.SyncRequest{EntityType: "contacts"})
	if err != nil || sync.State != "fetching" || sync.Progress != 40 || sync.EstimatedTotal != 250 || sync.JobID == "" {
		t.Fatalf("request sync: %v, resp=%+v", err, sync)
	}
	if _, err := cl.RequestSync(ctx, &api.SyncRequest{EntityType: "photos"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	if _, err := cl.GetSyncStatus(ctx, &api.SyncRequest{EntityType: "contacts"}); status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}
	cr, err := cl.CancelSync(ctx, &api.SyncRequest{EntityType: "contacts"})
	if err != nil || !cr.Cancelled {
		t.Fatalf("cancel: %v, resp=%+v", err, cr)
	}

	cs, err := cl.ListContacts(ctx, &api.Empty{})
	if err != nil || len(cs.Contacts) != 1 || cs.Contacts[0].DisplayName != "Bob" {
		t.Fatalf("contacts: %v, resp=%+v", err, cs)
	}
	ms, err := cl.ListMessages(ctx, &api.ListMessagesRequest{ContactID: "100", Limit: 10})
	if err != nil || len(ms.Messages) != 1 || !ms.Messages[0].SentAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("messages: %v, resp=%+v", err, ms)
	}
}

func TestServer_HealthIsPublic(t *testing.T) {
	t.Parallel()

	tokens, err := service.NewTokens([]byte(strings.Repeat("s", 32)), time.Minute)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	cc, stop := startBufGRPC(t, New(&fakeBridge{}, nil), tokens)
	defer stop()

	resp, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{Service: api.ServiceName})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health: %v, resp=%v", err, resp)
	}
}

func TestServer_NoUserInCtx(t *testing.T) {
	t.Parallel()

	s := New(&fakeBridge{}, nil)
	if _, err := s.ListContacts(context.Background(), &api.Empty{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %v", err)
	}
}
