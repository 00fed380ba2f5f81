package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/admission"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/fieldops/services/scheduling-service/internal/tz"
)

const ServiceName = "fieldops.scheduling.v1.SchedulingService"

const (
	MethodGetAvailability = "/" + ServiceName + "/GetAvailability"
	MethodCreateBooking   = "/" + ServiceName + "/CreateBooking"
)

// SchedulingServer is the RPC surface used by the conversational tool layer. Requests
// and responses are google.protobuf.Struct objects with the same field names as the
// HTTP JSON API.
type SchedulingServer interface {
	GetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SchedulingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAvailability", Handler: unaryHandler(MethodGetAvailability, SchedulingServer.GetAvailability)},
		{MethodName: "CreateBooking", Handler: unaryHandler(MethodCreateBooking, SchedulingServer.CreateBooking)},
	},
}

func unaryHandler(fullMethod string, call func(SchedulingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SchedulingServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SchedulingServer), ctx, req.(*structpb.Struct))
		})
	}
}

type server struct {
	query  handlers.AvailabilityQuerier
	ctrl   *admission.Controller
	logger *slog.Logger
}

func Register(grpcServer *grpc.Server, query handlers.AvailabilityQuerier, ctrl *admission.Controller, logger *slog.Logger) {
	grpcServer.RegisterService(&serviceDesc, &server{query: query, ctrl: ctrl, logger: logger})
}

func (s *server) GetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q := availability.Query{
		ServiceName:         stringField(req, "service"),
		PreferredProviderID: stringField(req, "preferred_provider_id"),
	}
	start, err := tz.ParseDate(stringField(req, "date"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "date must be YYYY-MM-DD")
	}
	q.StartDate = start
	if raw := stringField(req, "end_date"); raw != "" {
		end, err := tz.ParseDate(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "end_date must be YYYY-MM-DD")
		}
		q.EndDate = &end
	}

	resp, err := s.query.GetAvailability(ctx, q)
	if err != nil {
		return nil, s.toStatus(err)
	}
	if resp.Slots == nil {
		resp.Slots = []availability.ProviderSlots{}
	}
	return toStruct(resp)
}

func (s *server) CreateBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start, err := time.Parse(time.RFC3339, stringField(req, "scheduled_start"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "scheduled_start must be RFC3339")
	}
	duration, ok1 := intField(req, "duration_minutes")
	before, ok2 := intField(req, "buffer_before_minutes")
	after, ok3 := intField(req, "buffer_after_minutes")
	if !ok1 || !ok2 || !ok3 {
		return nil, status.Error(codes.InvalidArgument, "minute fields must be whole numbers")
	}

	b, err := s.ctrl.Create(ctx, admission.CreateRequest{
		ProviderID:          stringField(req, "provider_id"),
		ServiceID:           stringField(req, "service_id"),
		CustomerName:        stringField(req, "customer_name"),
		CustomerPhone:       stringField(req, "customer_phone"),
		Notes:               stringField(req, "notes"),
		ScheduledStart:      start,
		DurationMinutes:     duration,
		BufferBeforeMinutes: before,
		BufferAfterMinutes:  after,
		IdempotencyKey:      stringField(req, "idempotency_key"),
	})
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(handlers.NewBookingResponse(b))
}

func (s *server) toStatus(err error) error {
	var conflict *admission.ConflictError
	switch {
	case errors.As(err, &conflict):
		st := status.New(codes.AlreadyExists, conflict.Error())
		if details, derr := toStruct(handlers.NewConflictDetails(conflict)); derr == nil {
			if withDetails, werr := st.WithDetails(details); werr == nil {
				st = withDetails
			}
		}
		return st.Err()
	case errors.Is(err, availability.ErrInvalidQuery), errors.Is(err, admission.ErrInvalidBooking):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, admission.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.Unavailable, "scheduling store busy, retry")
	default:
		s.logger.Error("scheduling rpc failed", "err", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(s *structpb.Struct, name string) string {
	return strings.TrimSpace(s.GetFields()[name].GetStringValue())
}

// intField reads an optional whole number. Missing fields read as 0.
func intField(s *structpb.Struct, name string) (int, bool) {
	v, ok := s.GetFields()[name]
	if !ok {
		return 0, true
	}
	n := v.GetNumberValue()
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		return 0, false
	}
	return int(n), true
}

// toStruct converts a JSON-tagged value into a Struct by way of its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
