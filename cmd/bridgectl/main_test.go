package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/bridge-keeper/internal/errs"
	"github.com/and161185/bridge-keeper/internal/model"
	grpcserver "github.com/and161185/bridge-keeper/internal/server/grpc"
	"github.com/and161185/bridge-keeper/internal/service"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeBridge struct {
	syncCalls atomic.Int32
}

func (f *fakeBridge) Connect(_ context.Context, userID uuid.UUID, in service.ConnectInput) (model.SessionInfo, error) {
	return model.SessionInfo{UserID: userID, Platform: in.Platform, State: model.SessionConnected}, nil
}
func (f *fakeBridge) Disconnect(context.Context, uuid.UUID, string) error { return nil }
func (f *fakeBridge) GetStatus(_ context.Context, userID uuid.UUID, _ string) (model.SessionInfo, error) {
	return model.SessionInfo{UserID: userID, Platform: "matrix", State: model.SessionConnected, Health: model.HealthHealthy}, nil
}
func (f *fakeBridge) ResetSession(context.Context, uuid.UUID) error { return nil }
func (f *fakeBridge) RequestSync(_ context.Context, userID uuid.UUID, t model.EntityType, id string) (model.SyncView, error) {
	return model.SyncView{Key: model.SyncKey{UserID: userID, EntityType: t, EntityID: id}, State: model.JobFetching}, nil
}
func (f *fakeBridge) GetSyncStatus(_ context.Context, userID uuid.UUID, t model.EntityType, id string) (model.SyncView, error) {
	state := model.JobProcessing
	if f.syncCalls.Add(1) >= 2 {
		state = model.JobCompleted
	}
	return model.SyncView{Key: model.SyncKey{UserID: userID, EntityType: t, EntityID: id}, State: state, Progress: 100}, nil
}
func (f *fakeBridge) CancelSync(context.Context, uuid.UUID, model.EntityType, string) (bool, error) {
	return false, nil
}
func (f *fakeBridge) ListContacts(context.Context, uuid.UUID) ([]model.Contact, error) {
	return []model.Contact{{RemoteID: "100", DisplayName: "Bob"}}, nil
}
func (f *fakeBridge) ListMessages(context.Context, uuid.UUID, string, int) ([]model.Message, error) {
	return nil, errs.ErrNotFound
}

func startServer(t *testing.T, fb *fakeBridge) string {
	t.Helper()
	tokens, err := service.NewTokens([]byte(testKey), time.Minute)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	gs, _ := grpcserver.NewGRPC(grpcserver.New(fb, nil), tokens, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	_ = withTmpConfig(t)
	fb := &fakeBridge{}
	addr := startServer(t, fb)
	conn := []string{"--addr", addr, "--plaintext", "--timeout", "5s"}

	if _, err := run(t, append(conn, "status")...); err == nil {
		t.Fatalf("status without a saved token must fail")
	}

	user := uuid.Must(uuid.NewV4())
	out, err := run(t, append(conn, "token", "issue", "--user", user.String(), "--jwt-key", testKey, "--save")...)
	if err != nil || strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("token issue: out=%q err=%v", out, err)
	}

	out, err = run(t, append(conn, "status", "--platform", "matrix")...)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var sess struct {
		UserID string `json:"user_id"`
		State  string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &sess); err != nil || sess.UserID != user.String() || sess.State != "CONNECTED" {
		t.Fatalf("status output: %q err=%v", out, err)
	}

	out, err = run(t, append(conn, "connect", "--platform", "bot", "--access-token", "123:abc", "--expires-in", "1h")...)
	if err != nil || !strings.Contains(out, `"platform": "bot"`) {
		t.Fatalf("connect: out=%q err=%v", out, err)
	}

	out, err = run(t, append(conn, "sync", "request", "--type", "contacts", "--wait", "--interval", "10ms")...)
	if err != nil || !strings.Contains(out, `"state": "completed"`) {
		t.Fatalf("sync wait: out=%q err=%v", out, err)
	}

	out, err = run(t, append(conn, "contacts")...)
	if err != nil || !strings.Contains(out, "Bob") {
		t.Fatalf("contacts: out=%q err=%v", out, err)
	}

	_, err = run(t, append(conn, "messages", "--contact", "100")...)
	if err == nil || !strings.HasPrefix(errorText(err), "NotFound") {
		t.Fatalf("messages: want NotFound, got %v", err)
	}

	out, err = run(t, "token", "list")
	if err != nil || !strings.Contains(out, addr) || !strings.Contains(out, user.String()) {
		t.Fatalf("token list: out=%q err=%v", out, err)
	}
	if _, err := run(t, append(conn, "logout")...); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := run(t, append(conn, "status")...); err == nil {
		t.Fatalf("status after logout must fail")
	}
}

func TestCLI_LoginFromStdin(t *testing.T) {
	_ = withTmpConfig(t)
	tokens, _ := service.NewTokens([]byte(testKey), time.Hour)
	tok, _, err := tokens.Issue(uuid.Must(uuid.NewV4()))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(tok + "\n"))
	root.SetArgs([]string{"login", "--token", "-"})
	if err := root.Execute(); err != nil {
		t.Fatalf("login: %v", err)
	}
	got, err := loadToken("localhost:8443")
	if err != nil || got != tok {
		t.Fatalf("saved token mismatch: err=%v", err)
	}
}

func TestCLI_RequiredFlags(t *testing.T) {
	t.Parallel()

	if _, err := run(t, "messages"); err == nil {
		t.Fatalf("messages without --contact must fail")
	}
	if _, err := run(t, "token", "issue", "--user", "nope", "--jwt-key", testKey); err == nil {
		t.Fatalf("bad uuid must fail")
	}
	if out, err := run(t, "version"); err != nil || !strings.HasPrefix(out, "bridgectl ") {
		t.Fatalf("version: %q %v", out, err)
	}
}
