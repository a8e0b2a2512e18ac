// Package grpcserver exposes the bridge-keeper gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/and161185/bridge-keeper/internal/api"
	"github.com/and161185/bridge-keeper/internal/convert"
	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/service"
)

// Server wires the bridge service into gRPC handlers.
type Server struct {
	bridge service.BridgeService
	log    *zap.Logger
}

var _ api.BridgeServer = (*Server)(nil)

// New constructs the handler set.
func New(bridge service.BridgeService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{bridge: bridge, log: log}
}

// NewGRPC builds a grpc.Server with the interceptor chain, the bridge service and health
// registered. Health and reflection (if the caller registers it) need no token.
func NewGRPC(srv *Server, tokens TokenVerifier, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		AuthUnary(tokens, "/grpc.health.v1.Health/", "/grpc.reflection."),
	))
	gs := grpc.NewServer(opts...)
	api.RegisterBridgeServer(gs, srv)
	hs := health.NewServer()
	hs.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// --- Sessions ---

// Connect stores credentials and brings the caller's session up.
func (s *Server) Connect(ctx context.Context, req *api.ConnectRequest) (*api.Session, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	in, err := convert.FromAPIConnect(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	info, err := s.bridge.Connect(ctx, userID, in)
	if err != nil {
		return nil, toStatus("connect", err)
	}
	return convert.ToAPISession(info), nil
}

// Disconnect stops the caller's session.
func (s *Server) Disconnect(ctx context.Context, req *api.SessionRequest) (*api.Empty, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.bridge.Disconnect(ctx, userID, req.Platform); err != nil {
		return nil, toStatus("disconnect", err)
	}
	return &api.Empty{}, nil
}

// GetStatus reports the caller's session.
func (s *Server) GetStatus(ctx context.Context, req *api.SessionRequest) (*api.Session, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	info, err := s.bridge.GetStatus(ctx, userID, req.Platform)
	if err != nil {
		return nil, toStatus("get status", err)
	}
	return convert.ToAPISession(info), nil
}

// ResetSession clears a failed session.
func (s *Server) ResetSession(ctx context.Context, _ *api.Empty) (*api.Empty, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.bridge.ResetSession(ctx, userID); err != nil {
		return nil, toStatus("reset", err)
	}
	return &api.Empty{}, nil
}

// --- Sync ---

// RequestSync starts or joins a sync job.
func (s *Server) RequestSync(ctx context.Context, req *api.SyncRequest) (*api.SyncStatus, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	typ, id, err := convert.FromAPISync(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	v, err := s.bridge.RequestSync(ctx, userID, typ, id)
	if err != nil {
		return nil, toStatus("request sync", err)
	}
	return convert.ToAPISyncStatus(v), nil
}

// GetSyncStatus reports the live or persisted state of a sync.
func (s *Server) GetSyncStatus(ctx context.Context, req *api.SyncRequest) (*api.SyncStatus, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	typ, id, err := convert.FromAPISync(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	v, err := s.bridge.GetSyncStatus(ctx, userID, typ, id)
	if err != nil {
		return nil, toStatus("get sync status", err)
	}
	return convert.ToAPISyncStatus(v), nil
}

// CancelSync flags a running job.
func (s *Server) CancelSync(ctx context.Context, req *api.SyncRequest) (*api.CancelResponse, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	typ, id, err := convert.FromAPISync(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	cancelled, err := s.bridge.CancelSync(ctx, userID, typ, id)
	if err != nil {
		return nil, toStatus("cancel sync", err)
	}
	return &api.CancelResponse{Cancelled: cancelled}, nil
}

// --- Data ---

// ListContacts returns synchronized contacts.
func (s *Server) ListContacts(ctx context.Context, _ *api.Empty) (*api.ContactList, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	cs, err := s.bridge.ListContacts(ctx, userID)
	if err != nil {
		return nil, toStatus("list contacts", err)
	}
	return convert.ToAPIContacts(cs), nil
}

// ListMessages returns the newest messages of a conversation.
func (s *Server) ListMessages(ctx context.Context, req *api.ListMessagesRequest) (*api.MessageList, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	ms, err := s.bridge.ListMessages(ctx, userID, req.ContactID, req.Limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return convert.ToAPIMessages(ms), nil
}

// toStatus maps the error taxonomy onto gRPC codes. Messages stay human-readable.
func toStatus(op string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errs.ErrConnectTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, errs.ErrPoolExhausted), errors.Is(err, errs.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrAuthInvalid), errors.Is(err, errs.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, errs.ErrLockBusy), errors.Is(err, errs.ErrLockLost):
		code = codes.Aborted
	case errors.Is(err, errs.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrPlatformMismatch), errors.Is(err, errs.ErrSessionFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, errs.ErrNetworkTransient):
		code = codes.Unavailable
	case strings.HasPrefix(err.Error(), "validation:"), strings.Contains(err.Error(), "unknown platform"):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", op, err)
}
