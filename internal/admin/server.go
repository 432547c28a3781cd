// Package admin implements the operator gRPC surface of the alert service.
//
// The service is described by hand (no generated stubs): every method takes
// and returns well-known protobuf types, structpb.Struct for payloads and
// emptypb.Empty where there is no input. It delegates all logic to the
// engine and handles only transport concerns: argument extraction, error
// mapping and conversion to structs.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"jobmate/alert-service/internal/engine"
	"jobmate/alert-service/internal/ledger"
	"jobmate/alert-service/internal/model"
	"jobmate/alert-service/internal/queue"
	"jobmate/alert-service/internal/scraper"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "jobmate.alerts.Admin"

const (
	defaultFailedLimit  = 50
	defaultHistoryLimit = 50
)

// Engine is the operational surface the server exposes.
type Engine interface {
	TriggerAlert(ctx context.Context, alertID string) (engine.TriggerResult, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Drain(ctx context.Context) (int, error)
	Failed(ctx context.Context, limit int) ([]queue.FailedItem, error)
	History(ctx context.Context, userID string, limit int) ([]model.NotificationRecord, error)
	Breaker() engine.BreakerStatus
}

// AdminServer is the server-side contract of ServiceName.
type AdminServer interface {
	TriggerAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	QueueStats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	DrainQueue(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	ListFailed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Server implements AdminServer and owns the gRPC health status.
type Server struct {
	eng    Engine
	health *health.Server
	log    *zap.Logger
}

var _ AdminServer = (*Server)(nil)

// NewServer constructs a Server backed by eng.
func NewServer(eng Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{eng: eng, health: health.NewServer(), log: log}
	s.SetBreakerOpen(false)
	return s
}

// Register attaches the admin and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// SetBreakerOpen reports NOT_SERVING while dispatch is paused.
func (s *Server) SetBreakerOpen(open bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if open {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() { s.health.Shutdown() }

// ─── RPC implementations ──────────────────────────────────────────────────────

// TriggerAlert schedules one alert check now. Request: {"alertId": "..."}.
func (s *Server) TriggerAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	alertID := req.GetFields()["alertId"].GetStringValue()
	if alertID == "" {
		return nil, status.Error(codes.InvalidArgument, "alertId is required")
	}
	res, err := s.eng.TriggerAlert(ctx, alertID)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(res)
}

// QueueStats returns per-state queue counts plus the breaker snapshot.
func (s *Server) QueueStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.eng.Stats(ctx)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(struct {
		queue.Stats
		Breaker engine.BreakerStatus `json:"breaker"`
	}{stats, s.eng.Breaker()})
}

// DrainQueue removes every waiting and delayed item.
func (s *Server) DrainQueue(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := s.eng.Drain(ctx)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(map[string]int{"removed": n})
}

// ListFailed returns the newest failed items. Request: {"limit": 20}.
func (s *Server) ListFailed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultFailedLimit
	}
	items, err := s.eng.Failed(ctx, limit)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	if items == nil {
		items = []queue.FailedItem{}
	}
	return toStruct(map[string]any{"items": items})
}

// ListHistory returns a user's notification ledger, newest first.
// Request: {"userId": "...", "limit": 20}.
func (s *Server) ListHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := req.GetFields()["userId"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	recs, err := s.eng.History(ctx, userID, limit)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	if recs == nil {
		recs = []model.NotificationRecord{}
	}
	return toStruct(map[string]any{"items": recs})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// toGRPCError maps domain errors to gRPC status errors.
func (s *Server) toGRPCError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrAlertInactive):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, engine.ErrNoQueue),
		errors.Is(err, engine.ErrBreakerOpen),
		errors.Is(err, queue.ErrQueueUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, scraper.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, scraper.ErrUnauthenticated):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	s.log.Error("admin call failed", zap.Error(err))
	return status.Error(codes.Internal, "internal server error")
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}

// ─── Service descriptor ──────────────────────────────────────────────────────

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unaryHandler[Req proto.Message](name string, newReq func() Req, call func(AdminServer, context.Context, Req) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AdminServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TriggerAlert", Handler: unaryHandler("TriggerAlert", newStruct, AdminServer.TriggerAlert)},
		{MethodName: "QueueStats", Handler: unaryHandler("QueueStats", newEmpty, AdminServer.QueueStats)},
		{MethodName: "DrainQueue", Handler: unaryHandler("DrainQueue", newEmpty, AdminServer.DrainQueue)},
		{MethodName: "ListFailed", Handler: unaryHandler("ListFailed", newStruct, AdminServer.ListFailed)},
		{MethodName: "ListHistory", Handler: unaryHandler("ListHistory", newStruct, AdminServer.ListHistory)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobmate/alerts/admin.proto",
}
