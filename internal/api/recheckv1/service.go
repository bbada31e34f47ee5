package recheckv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified RecheckEngine service name.
//
// Messages are plain Go structs carried by the JSON codec registered under
// CodecName; there are no protobuf descriptors behind them. Clients must
// request that content-subtype, as NewRecheckEngineClient does. Generic
// protobuf clients such as grpcurl can list the service through reflection
// but cannot call it.
const ServiceName = "recheck.v1.RecheckEngine"

const (
	RecheckEngine_Decide_FullMethodName           = "/recheck.v1.RecheckEngine/Decide"
	RecheckEngine_ClassifyRun_FullMethodName      = "/recheck.v1.RecheckEngine/ClassifyRun"
	RecheckEngine_ComputeStats_FullMethodName     = "/recheck.v1.RecheckEngine/ComputeStats"
	RecheckEngine_ListFingerprints_FullMethodName = "/recheck.v1.RecheckEngine/ListFingerprints"
	RecheckEngine_SubmitRuns_FullMethodName       = "/recheck.v1.RecheckEngine/SubmitRuns"
	RecheckEngine_HealthCheck_FullMethodName      = "/recheck.v1.RecheckEngine/HealthCheck"
)

// RecheckEngineServer is the server API for the RecheckEngine service.
type RecheckEngineServer interface {
	Decide(context.Context, *DecideRequest) (*DecideResponse, error)
	ClassifyRun(context.Context, *ClassifyRunRequest) (*ClassifyRunResponse, error)
	ComputeStats(context.Context, *ComputeStatsRequest) (*ComputeStatsResponse, error)
	ListFingerprints(context.Context, *ListFingerprintsRequest) (*ListFingerprintsResponse, error)
	SubmitRuns(context.Context, *SubmitRunsRequest) (*SubmitRunsResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

// UnimplementedRecheckEngineServer answers Unimplemented to every method.
type UnimplementedRecheckEngineServer struct{}

func (UnimplementedRecheckEngineServer) Decide(context.Context, *DecideRequest) (*DecideResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Decide not implemented")
}
func (UnimplementedRecheckEngineServer) ClassifyRun(context.Context, *ClassifyRunRequest) (*ClassifyRunResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ClassifyRun not implemented")
}
func (UnimplementedRecheckEngineServer) ComputeStats(context.Context, *ComputeStatsRequest) (*ComputeStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ComputeStats not implemented")
}
func (UnimplementedRecheckEngineServer) ListFingerprints(context.Context, *ListFingerprintsRequest) (*ListFingerprintsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListFingerprints not implemented")
}
func (UnimplementedRecheckEngineServer) SubmitRuns(context.Context, *SubmitRunsRequest) (*SubmitRunsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitRuns not implemented")
}
func (UnimplementedRecheckEngineServer) HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

// RegisterRecheckEngineServer attaches srv to s.
func RegisterRecheckEngineServer(s grpc.ServiceRegistrar, srv RecheckEngineServer) {
	s.RegisterService(&RecheckEngine_ServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(RecheckEngineServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RecheckEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RecheckEngineServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RecheckEngine_ServiceDesc describes the RecheckEngine service for grpc.Server.
var RecheckEngine_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecheckEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: unaryHandler(RecheckEngine_Decide_FullMethodName, RecheckEngineServer.Decide)},
		{MethodName: "ClassifyRun", Handler: unaryHandler(RecheckEngine_ClassifyRun_FullMethodName, RecheckEngineServer.ClassifyRun)},
		{MethodName: "ComputeStats", Handler: unaryHandler(RecheckEngine_ComputeStats_FullMethodName, RecheckEngineServer.ComputeStats)},
		{MethodName: "ListFingerprints", Handler: unaryHandler(RecheckEngine_ListFingerprints_FullMethodName, RecheckEngineServer.ListFingerprints)},
		{MethodName: "SubmitRuns", Handler: unaryHandler(RecheckEngine_SubmitRuns_FullMethodName, RecheckEngineServer.SubmitRuns)},
		{MethodName: "HealthCheck", Handler: unaryHandler(RecheckEngine_HealthCheck_FullMethodName, RecheckEngineServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "recheck/v1/recheck.proto",
}

// RecheckEngineClient is the client API for the RecheckEngine service.
type RecheckEngineClient interface {
	Decide(ctx context.Context, in *DecideRequest, opts ...grpc.CallOption) (*DecideResponse, error)
	ClassifyRun(ctx context.Context, in *ClassifyRunRequest, opts ...grpc.CallOption) (*ClassifyRunResponse, error)
	ComputeStats(ctx context.Context, in *ComputeStatsRequest, opts ...grpc.CallOption) (*ComputeStatsResponse, error)
	ListFingerprints(ctx context.Context, in *ListFingerprintsRequest, opts ...grpc.CallOption) (*ListFingerprintsResponse, error)
	SubmitRuns(ctx context.Context, in *SubmitRunsRequest, opts ...grpc.CallOption) (*SubmitRunsResponse, error)
	HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type recheckEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewRecheckEngineClient returns a client that always speaks the JSON codec.
func NewRecheckEngineClient(cc grpc.ClientConnInterface) RecheckEngineClient {
	return &recheckEngineClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *recheckEngineClient) Decide(ctx context.Context, in *DecideRequest, opts ...grpc.CallOption) (*DecideResponse, error) {
	return invoke[DecideResponse](ctx, c.cc, RecheckEngine_Decide_FullMethodName, in, opts)
}

func (c *recheckEngineClient) ClassifyRun(ctx context.Context, in *ClassifyRunRequest, opts ...grpc.CallOption) (*ClassifyRunResponse, error) {
	return invoke[ClassifyRunResponse](ctx, c.cc, RecheckEngine_ClassifyRun_FullMethodName, in, opts)
}

func (c *recheckEngineClient) ComputeStats(ctx context.Context, in *ComputeStatsRequest, opts ...grpc.CallOption) (*ComputeStatsResponse, error) {
	return invoke[ComputeStatsResponse](ctx, c.cc, RecheckEngine_ComputeStats_FullMethodName, in, opts)
}

func (c *recheckEngineClient) ListFingerprints(ctx context.Context, in *ListFingerprintsRequest, opts ...grpc.CallOption) (*ListFingerprintsResponse, error) {
	return invoke[ListFingerprintsResponse](ctx, c.cc, RecheckEngine_ListFingerprints_FullMethodName, in, opts)
}

func (c *recheckEngineClient) SubmitRuns(ctx context.Context, in *SubmitRunsRequest, opts ...grpc.CallOption) (*SubmitRunsResponse, error) {
	return invoke[SubmitRunsResponse](ctx, c.cc, RecheckEngine_SubmitRuns_FullMethodName, in, opts)
}

func (c *recheckEngineClient) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, RecheckEngine_HealthCheck_FullMethodName, in, opts)
}
