// Package server hosts the formation gRPC and HTTP APIs, the outbox relay and
// the optional advisory MCP endpoint in one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/louisbranch/formation/internal/services/formation/advisory"
	formationgrpc "github.com/louisbranch/formation/internal/services/formation/api/grpc"
	formationhttp "github.com/louisbranch/formation/internal/services/formation/api/http"
	"github.com/louisbranch/formation/internal/services/formation/app"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options tunes process wiring beyond app.Config.
type Options struct {
	// MCPTransport enables the advisory MCP server: "stdio" or "http".
	// Empty disables it.
	MCPTransport string
	MCPAddr      string
	// Listen overrides net.Listen for tests.
	Listen func(network, address string) (net.Listener, error)
}

// Server owns the runtime and its listeners.
type Server struct {
	runtime      *app.Runtime
	grpcServer   *gogrpc.Server
	health       *health.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener
	advisory     *advisory.Server
	opts         Options
}

// New opens the runtime and binds both listeners.
func New(ctx context.Context, cfg app.Config, opts Options) (srv *Server, err error) {
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv = &Server{runtime: rt, opts: opts}
	defer func() {
		if err != nil {
			srv.closeListeners()
			rt.Close()
		}
	}()

	srv.grpcListener, err = opts.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc on %s: %w", cfg.GRPCAddr, err)
	}
	srv.grpcServer, srv.health = formationgrpc.NewServer(rt.Service, log.Printf)

	httpOpts := []formationhttp.Option{formationhttp.WithGatherer(rt.Registry)}
	if pinger, ok := rt.Store.(formationhttp.Pinger); ok {
		httpOpts = append(httpOpts, formationhttp.WithPinger(pinger))
	}
	srv.httpListener, err = opts.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen http on %s: %w", cfg.HTTPAddr, err)
	}
	srv.httpServer = &http.Server{
		Handler:           formationhttp.New(rt.Service, httpOpts...).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if opts.MCPTransport != "" {
		srv.advisory, err = advisory.NewServer(rt.Service)
		if err != nil {
			return nil, err
		}
	}
	return srv, nil
}

// GRPCAddr reports the bound gRPC address.
func (s *Server) GRPCAddr() string { return s.grpcListener.Addr().String() }

// HTTPAddr reports the bound HTTP address.
func (s *Server) HTTPAddr() string { return s.httpListener.Addr().String() }

// Serve blocks until ctx is canceled or a component fails, then stops every
// component and closes the runtime.
func (s *Server) Serve(ctx context.Context) error {
	defer s.runtime.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("formation grpc listening addr=%s", s.GRPCAddr())
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Printf("formation http listening addr=%s", s.HTTPAddr())
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	if s.runtime.Relay != nil {
		group.Go(func() error {
			log.Printf("outbox relay started")
			return s.runtime.Relay.Run(groupCtx)
		})
	}
	if s.advisory != nil {
		group.Go(func() error {
			return s.advisory.Run(groupCtx, s.opts.MCPTransport, s.opts.MCPAddr)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		s.stop()
		return nil
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) stop() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown err=%v", err)
	}
	s.grpcServer.GracefulStop()
}

func (s *Server) closeListeners() {
	for _, listener := range []net.Listener{s.grpcListener, s.httpListener} {
		if listener != nil {
			_ = listener.Close()
		}
	}
}
