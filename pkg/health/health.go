// Package health mirrors the live agent's connection state onto the standard
// gRPC health checking service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vango-go/vai-macro/pkg/live"
)

// ServiceName is the health service key the agent state is published under.
const ServiceName = "vai.macro.Agent"

// Reporter implements live.StateObserver.
type Reporter struct {
	server *grpchealth.Server
	logger *slog.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func NewReporter(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{server: grpchealth.NewServer(), logger: logger}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// StatusFor maps an agent status to a serving status. A disabled agent is
// healthy because it was asked not to connect.
func StatusFor(st live.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch st.State {
	case live.StateConnected, live.StateDisabled:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

func (r *Reporter) ObserveState(st live.Status) {
	status := StatusFor(st)
	if r.set(status) {
		r.logger.Debug("health status changed", "service", ServiceName, "status", status.String(), "state", st.Label())
	}
}

func (r *Reporter) set(status healthpb.HealthCheckResponse_ServingStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.last != status
	r.last = status
	r.server.SetServingStatus(ServiceName, status)
	return changed
}

// Current returns the last published status.
func (r *Reporter) Current() healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Server exposes the underlying health server, e.g. to register it on an
// existing grpc.Server.
func (r *Reporter) Server() healthpb.HealthServer {
	return r.server
}

// ListenAndServe listens on addr and serves until ctx is done.
func (r *Reporter) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return r.Serve(ctx, lis)
}

// Serve runs a gRPC server on lis with the health service registered. When
// ctx is done every service is marked NOT_SERVING and the server stops
// gracefully.
func (r *Reporter) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, r.server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	r.logger.Info("health server listening", "addr", lis.Addr().String(), "service", ServiceName)

	select {
	case <-ctx.Done():
		r.server.Shutdown()
		srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("health serve: %w", err)
	}
}
