// ABOUTME: gRPC admin service exposing control-plane stats, plus the standard health service
// ABOUTME: The Admin service descriptor is declared by hand over well-known protobuf types

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/broxy/internal/control"
	"github.com/2389/broxy/internal/ledger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "broxy.admin.v1.Admin"

const statsMethod = "/" + ServiceName + "/Stats"

// recentLimit caps the finished jobs listed by Stats.
const recentLimit = 20

// StatsSource reports the state of the local control planes.
type StatsSource interface {
	Stats(ctx context.Context) ([]control.Snapshot, error)
	WorkerCount(ctx context.Context) (int, error)
}

// OutcomeLedger reports finished jobs: counts by outcome kind and the most
// recent ones.
type OutcomeLedger interface {
	Summary(ctx context.Context) (map[string]int64, error)
	Recent(ctx context.Context, limit int) ([]ledger.Outcome, error)
}

// recentOutcome is the Stats rendering of one finished job.
type recentOutcome struct {
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	QueuedMS   int64     `json:"queued_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// AdminServer is the server API for the Admin service.
type AdminServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "broxy/admin/v1/admin.proto",
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements AdminServer and owns the health status.
type Service struct {
	source  StatsSource
	ledger  OutcomeLedger
	health  *health.Server
	logger  *slog.Logger
	started time.Time
}

// NewService creates the admin service. ledger may be nil.
func NewService(source StatsSource, outcomes OutcomeLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Service{
		source:  source,
		ledger:  outcomes,
		health:  hs,
		logger:  logger.With("component", "admin"),
		started: time.Now(),
	}
}

// Register attaches the Admin and health services to s.
func (s *Service) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&adminServiceDesc, s)
	healthpb.RegisterHealthServer(registrar, s.health)
}

// Stats returns every local plane's snapshot and, when a ledger is present,
// the outcome summary plus the most recent finished jobs.
func (s *Service) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snaps, err := s.source.Stats(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "collecting stats: %v", err)
	}

	out := map[string]any{
		"instances":      snaps,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.ledger != nil {
		summary, err := s.ledger.Summary(ctx)
		if err != nil {
			s.logger.Warn("ledger summary failed", "error", err)
		} else {
			out["outcomes"] = summary
		}
		recent, err := s.ledger.Recent(ctx, recentLimit)
		if err != nil {
			s.logger.Warn("ledger recent outcomes failed", "error", err)
		} else {
			out["recent_outcomes"] = renderRecent(recent)
		}
	}

	st, err := toStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding stats: %v", err)
	}
	return st, nil
}

// Refresh sets the health status from the current worker count. The
// service is SERVING only while at least one worker is connected.
func (s *Service) Refresh(ctx context.Context) {
	n, err := s.source.WorkerCount(ctx)
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if err == nil && n > 0 {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchHealth refreshes the health status every interval until ctx is
// cancelled, then marks every service as shutting down.
func (s *Service) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// NewGRPCServer builds a gRPC server with the keepalive policy and request
// logging used by broxy.
func NewGRPCServer(logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger.With("component", "grpc"))),
	)
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed", time.Since(start))
		return resp, err
	}
}

func renderRecent(outcomes []ledger.Outcome) []recentOutcome {
	list := make([]recentOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		list = append(list, recentOutcome{
			RequestID:  o.RequestID,
			Method:     o.Method,
			URL:        o.URL,
			WorkerID:   o.WorkerID,
			Status:     o.Status,
			Outcome:    o.Kind,
			Error:      o.Error,
			QueuedMS:   o.Queued.Milliseconds(),
			FinishedAt: o.FinishedAt,
		})
	}
	return list
}

// toStruct converts any JSON-encodable value into a protobuf Struct.
func toStruct(v map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}
	return structpb.NewStruct(generic)
}
