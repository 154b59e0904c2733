// Package server serves remote plan evaluation over gRPC and HTTP and
// hot-reloads the rule-set when its file changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/plangate/internal/alert"
	"github.com/ppiankov/plangate/internal/api"
	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/engine"
	"github.com/ppiankov/plangate/internal/history"
	"github.com/ppiankov/plangate/internal/pipeline"
	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/ruleset"
)

// Config holds server configuration.
type Config struct {
	RuleSetPath string
	Workers     int
	// Timeout bounds one evaluation. Zero means no limit.
	Timeout time.Duration

	AuditLog *audit.Log
	History  *history.Store
	Alerts   []alert.Config

	// Logger receives request and reload logs. Nil discards them.
	Logger *zerolog.Logger
}

// Server implements the Evaluator gRPC service and the HTTP API.
type Server struct {
	mu     sync.RWMutex
	runner *pipeline.Runner
	cfg    Config

	grpcServer *grpc.Server
	httpServer *http.Server
}

var _ api.EvaluatorServer = (*Server)(nil)

// New loads the rule-set and builds the gRPC and HTTP servers.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	s := &Server{cfg: cfg}
	runner, err := s.loadRunner()
	if err != nil {
		return nil, err
	}
	s.runner = runner

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.logInterceptor))
	api.RegisterEvaluatorServer(s.grpcServer, s)
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) loadRunner() (*pipeline.Runner, error) {
	rs, err := ruleset.Load(s.cfg.RuleSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule-set: %w", err)
	}
	return &pipeline.Runner{
		Engine:      engine.New(rs, engine.Options{Workers: s.cfg.Workers}),
		Timeout:     s.cfg.Timeout,
		Audit:       s.cfg.AuditLog,
		History:     s.cfg.History,
		Alerts:      alert.NewDispatcher(s.cfg.Alerts),
		AsyncAlerts: true,
	}, nil
}

// ServeGRPC serves the gRPC API on lis. Blocks until stopped.
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ServeHTTP serves the HTTP API on lis. Blocks until stopped.
func (s *Server) ServeHTTP(lis net.Listener) error {
	err := s.httpServer.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops both servers, letting in-flight requests finish until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	return err
}

// Reload recompiles the rule-set and swaps it in atomically. On failure the
// previous rule-set stays active.
func (s *Server) Reload() error {
	runner, err := s.loadRunner()
	if err != nil {
		return fmt.Errorf("failed to reload rule-set: %w", err)
	}
	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
	return nil
}

func (s *Server) current() *pipeline.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// Evaluate implements the Evaluate RPC.
func (s *Server) Evaluate(ctx context.Context, req *api.EvaluateRequest) (*api.EvaluateResponse, error) {
	runner := s.current()
	rs := runner.RuleSet()
	ctx = s.cfg.Logger.WithContext(ctx)

	source := req.Source
	if source == "" {
		source = "remote"
	}

	doc, err := plan.Parse(req.Plan)
	if err != nil {
		runner.Fail(ctx, source, err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	out := runner.Evaluate(ctx, doc, source)
	if out.Err != nil {
		return nil, statusFor(out.Err)
	}
	return &api.EvaluateResponse{
		RunID:       out.RunID,
		RuleSet:     rs.Name,
		RuleSetHash: rs.Hash,
		Report:      out.Report,
	}, nil
}

// Rules implements the Rules RPC.
func (s *Server) Rules(ctx context.Context, req *api.RulesRequest) (*api.RulesResponse, error) {
	return api.DescribeRules(s.current().RuleSet()), nil
}

func statusFor(err error) error {
	var (
		partial *engine.PartialReportError
		rce     *ruleset.RuleConfigurationError
		mpe     *plan.MalformedPlanError
	)
	switch {
	case errors.As(err, &partial):
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		return status.Error(codes.Canceled, err.Error())
	case errors.As(err, &mpe):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &rce):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("grpc request failed")
		return resp, err
	}
	s.cfg.Logger.Debug().Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("grpc request")
	return resp, nil
}
