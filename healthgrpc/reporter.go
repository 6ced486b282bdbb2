// Package healthgrpc exposes a peer's leadership over the standard gRPC
// health-checking protocol, so load balancers and probes can find the
// current leader.
package healthgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LeaderService is SERVING only while the local peer leads the tournament.
// The overall ("") service is SERVING for as long as the reporter is up.
const LeaderService = "spellingbee.Leader"

// Reporter maps leadership transitions onto a health server. OnElected and
// OnOusting match the signatures of the corresponding spellingbee.Config
// callbacks.
type Reporter struct {
	srv *health.Server
}

// New constructs a Reporter that is not leading.
func New() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(LeaderService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{srv: srv}
}

// Register installs the health service on s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// OnElected marks the leader service as serving.
func (r *Reporter) OnElected(ctx context.Context) {
	r.srv.SetServingStatus(LeaderService, healthpb.HealthCheckResponse_SERVING)
}

// OnOusting marks the leader service as not serving.
func (r *Reporter) OnOusting(ctx context.Context) {
	r.srv.SetServingStatus(LeaderService, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Shutdown sets every service to NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}
