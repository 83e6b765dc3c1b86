// Package billing provisions patient billing accounts over gRPC.
//
// The billing service speaks a single unary method whose request and response
// are google.protobuf.Struct values, so no generated stubs are needed on
// either side.
package billing

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName          = "billing.BillingService"
	createAccountMethod  = "/" + ServiceName + "/CreateBillingAccount"
	IdempotencyKeyHeader = "idempotency-key"
)

// AccountServer is implemented by billing backends.
type AccountServer interface {
	// CreateBillingAccount receives {patientId, name, email} and must be
	// idempotent by patientId.
	CreateBillingAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func createAccountHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccountServer).CreateBillingAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: createAccountMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AccountServer).CreateBillingAccount(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccountServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateBillingAccount", Handler: createAccountHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "billing.proto",
}

func RegisterAccountServer(s grpc.ServiceRegistrar, srv AccountServer) {
	s.RegisterService(&serviceDesc, srv)
}
