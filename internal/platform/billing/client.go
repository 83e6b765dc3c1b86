package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ehr/patientflow/internal/platform/outbox"
)

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero disables it.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Client provisions billing accounts. It implements outbox.Provisioner and
// reports every failure as outbox.ErrUnavailable or outbox.ErrRejected.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

var _ outbox.Provisioner = (*Client)(nil)

// Dial creates a client for the billing service at addr. The connection is
// established lazily on the first call.
func Dial(addr string, cfg BreakerConfig, logger zerolog.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial billing %s: %w", addr, err)
	}
	c := NewClient(conn, cfg, logger)
	c.closer = conn.Close
	return c, nil
}

func NewClient(conn grpc.ClientConnInterface, cfg BreakerConfig, logger zerolog.Logger) *Client {
	c := &Client{
		conn:   conn,
		closer: func() error { return nil },
		logger: logger.With().Str("component", "billing-client").Logger(),
	}
	if cfg.ConsecutiveFailures > 0 {
		c.breaker = newBreaker(cfg, c.logger)
	}
	return c
}

func (c *Client) Close() error {
	return c.closer()
}

func (c *Client) Provision(ctx context.Context, patientID uuid.UUID, name, email string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"patientId": patientID.String(),
		"name":      name,
		"email":     email,
	})
	if err != nil {
		return fmt.Errorf("%w: build billing request: %v", outbox.ErrRejected, err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, IdempotencyKeyHeader, patientID.String())

	call := func() error {
		return classify(c.conn.Invoke(ctx, createAccountMethod, req, new(structpb.Struct)))
	}
	if c.breaker == nil {
		return call()
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, call()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: billing circuit open: %v", outbox.ErrUnavailable, err)
	}
	return err
}

// classify maps a gRPC call result onto the outbox failure classes. An
// account that already exists counts as provisioned.
func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: billing call: %v", outbox.ErrUnavailable, err)
	}
	switch st.Code() {
	case codes.OK, codes.AlreadyExists:
		return nil
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound,
		codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
		return fmt.Errorf("%w: billing %s: %s", outbox.ErrRejected, st.Code(), st.Message())
	default:
		return fmt.Errorf("%w: billing %s: %s", outbox.ErrUnavailable, st.Code(), st.Message())
	}
}
