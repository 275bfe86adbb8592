package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/profile"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server owns the control socket of a profile daemon.
type Server struct {
	grpc   *grpc.Server
	ln     net.Listener
	socket string
	logger *zap.Logger
}

// NewServer listens on the profile socket, or p.SocketPath when set. A
// leftover socket file from a crashed daemon is replaced; the profile lock
// guarantees nobody else is serving on it.
func NewServer(p Params, logger *zap.Logger, svc *api.CacheService) (*Server, error) {
	socket := p.SocketPath
	if socket == "" {
		socket = profile.SocketPath(p.ProfileName)
	}
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{ln: ln, socket: socket, logger: logger.Named("rpc")}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryObserver),
		grpc.ChainStreamInterceptor(s.streamObserver),
	)
	api.Register(s.grpc, svc)
	return s, nil
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socket
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("control socket listening", zap.String("socket", s.socket))
	return s.grpc.Serve(s.ln)
}

// Stop drains in-flight calls and removes the socket file. Streams still open
// when ctx is done are cut.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control socket closing")
	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out; closing open streams")
		s.grpc.Stop()
	}
	_ = os.Remove(s.socket)
}

func (s *Server) unaryObserver(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *Server) streamObserver(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.observe(info.FullMethod, start, err)
	return err
}

func (s *Server) observe(fullMethod string, start time.Time, err error) {
	method := path.Base(fullMethod)
	code := status.Code(err)
	metrics.RPCs.WithLabelValues(method, code.String()).Inc()
	s.logger.Debug("rpc",
		zap.String("method", method),
		zap.String("code", code.String()),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
}
