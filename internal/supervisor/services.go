package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"google.golang.org/grpc"
)

type named struct {
	name string
	svc  suture.Service
}

// Named gives svc a readable name in supervisor logs.
func Named(name string, svc suture.Service) suture.Service { return named{name: name, svc: svc} }

func (n named) Serve(ctx context.Context) error { return n.svc.Serve(ctx) }
func (n named) String() string                  { return n.name }

// HTTPServer is the subset of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until its context ends, then shuts it down.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// GRPCService listens on addr and serves srv. On shutdown it drains in-flight calls for
// up to the timeout, then stops hard.
type GRPCService struct {
	srv     *grpc.Server
	addr    string
	timeout time.Duration
	listen  func(network, addr string) (net.Listener, error)
}

func NewGRPCService(srv *grpc.Server, addr string, shutdownTimeout time.Duration) *GRPCService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &GRPCService{srv: srv, addr: addr, timeout: shutdownTimeout, listen: net.Listen}
}

func (g *GRPCService) Serve(ctx context.Context) error {
	lis, err := g.listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", g.addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	case <-ctx.Done():
		done := make(chan struct{})
		go func() {
			g.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(g.timeout):
			g.srv.Stop()
		}
		<-errCh
		return ctx.Err()
	}
}

func (g *GRPCService) String() string { return "grpc-server" }
