package grpc

import (
	"context"
	"errors"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/openforge/nettingd/internal/queue"
	"github.com/openforge/nettingd/internal/resilience"
	"github.com/openforge/nettingd/internal/storage/relationaldb"
)

// PipelineInterface exposes the daemon internals the ops handlers read.
// Implemented by the di container.
type PipelineInterface interface {
	// Queue returns the durable intent queue.
	Queue() *queue.Queue

	// Batches returns the batch repository.
	Batches() relationaldb.BatchRepository

	// Brick returns the submission circuit breaker.
	Brick() *resilience.BrickMonitor

	// Partition returns the ledger partition guard.
	Partition() *resilience.PartitionGuard
}

// Server is the gRPC introspection server operators point tooling at.
type Server struct {
	mu sync.RWMutex

	grpcServer *grpc.Server
	pipeline   PipelineInterface
	config     *ServerConfig
	listener   net.Listener
	running    bool
}

// ServerOption is a function that configures a Server.
type ServerOption func(*Server)

// WithPipeline sets the pipeline the handlers read from.
func WithPipeline(p PipelineInterface) ServerOption {
	return func(s *Server) {
		s.pipeline = p
	}
}

// WithConfig sets the configuration for the server.
func WithConfig(cfg *ServerConfig) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// NewServer creates a new ops gRPC server with the given configuration.
func NewServer(cfg *ServerConfig, pipeline PipelineInterface) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
	}

	return &Server{
		grpcServer: grpc.NewServer(opts...),
		pipeline:   pipeline,
		config:     cfg,
		running:    false,
	}, nil
}

// Start starts the server and blocks until it is stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	return s.grpcServer.Serve(listener)
}

// StartAsync starts the server in a goroutine and returns immediately.
func (s *Server) StartAsync() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	go func() {
		_ = s.grpcServer.Serve(listener)
	}()
	return nil
}

// Stop gracefully stops the server, waiting for in-flight calls.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.grpcServer.GracefulStop()
	s.running = false
}

// StopNow stops the server without waiting for in-flight calls.
func (s *Server) StopNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.grpcServer.Stop()
	s.running = false
}

// IsRunning returns true if the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the bound listen address, useful when the configured port
// was 0.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Shutdown implements the graceful-stop contract used by the service
// orchestrator.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.StopNow()
		return ctx.Err()
	}
}
