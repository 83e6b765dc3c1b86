package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Account is a billing account held by StubServer.
type Account struct {
	ID        string
	PatientID string
	Name      string
	Email     string
	CreatedAt time.Time
}

// StubServer is an in-memory billing backend for local development and tests.
// Accounts are keyed by idempotency key, falling back to patientId.
type StubServer struct {
	mu       sync.Mutex
	accounts map[string]Account
	calls    int
	faults   []codes.Code
}

var _ AccountServer = (*StubServer)(nil)

func NewStubServer() *StubServer {
	return &StubServer{accounts: make(map[string]Account)}
}

// InjectFaults makes the next len(codes) calls fail with the given codes.
func (s *StubServer) InjectFaults(c ...codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, c...)
}

func (s *StubServer) CreateBillingAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.faults) > 0 {
		code := s.faults[0]
		s.faults = s.faults[1:]
		return nil, status.Errorf(code, "injected fault")
	}

	fields := req.GetFields()
	patientID := fields["patientId"].GetStringValue()
	email := fields["email"].GetStringValue()
	if _, err := uuid.Parse(patientID); err != nil {
		return nil, status.Error(codes.InvalidArgument, "patientId must be a UUID")
	}
	if email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	key := patientID
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(IdempotencyKeyHeader); len(v) > 0 && v[0] != "" {
			key = v[0]
		}
	}

	acct, exists := s.accounts[key]
	if !exists {
		acct = Account{
			ID:        uuid.NewString(),
			PatientID: patientID,
			Name:      fields["name"].GetStringValue(),
			Email:     email,
			CreatedAt: time.Now().UTC(),
		}
		s.accounts[key] = acct
	}

	return structpb.NewStruct(map[string]interface{}{
		"accountId": acct.ID,
		"patientId": acct.PatientID,
		"created":   !exists,
	})
}

func (s *StubServer) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out
}

func (s *StubServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// NewGRPCServer returns a gRPC server exposing srv and the standard health
// service.
func NewGRPCServer(srv AccountServer, logger zerolog.Logger) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	RegisterAccountServer(s, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("latency", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
