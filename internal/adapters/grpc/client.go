package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/eleven-am/dagflow/internal/domain"
)

// Client calls a remote dagflow.v1.Workflows service.
type Client struct {
	logger *slog.Logger
	config ClientConfig
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

type ClientConfig struct {
	Address          string
	TLS              *domain.TLSConfig
	MaxMsgSize       int
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepAliveTime    time.Duration
	KeepAliveTimeout time.Duration
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration
}

func NewClient(config ClientConfig, logger *slog.Logger, extra ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc-client")

	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.KeepAliveTime == 0 {
		config.KeepAliveTime = 30 * time.Second
	}
	if config.KeepAliveTimeout == 0 {
		config.KeepAliveTimeout = 10 * time.Second
	}
	if config.BackoffBaseDelay == 0 {
		config.BackoffBaseDelay = 100 * time.Millisecond
	}
	if config.BackoffMaxDelay == 0 {
		config.BackoffMaxDelay = 15 * time.Second
	}

	dialOpts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  config.BackoffBaseDelay,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   config.BackoffMaxDelay,
			},
			MinConnectTimeout: config.ConnectTimeout,
		}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAliveTime,
			Timeout:             config.KeepAliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptor(logger)),
	}

	if config.MaxMsgSize > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxMsgSize),
			grpc.MaxCallSendMsgSize(config.MaxMsgSize),
		))
	}

	if config.TLS != nil && config.TLS.Enabled {
		creds, err := ClientCredentials(config.TLS)
		if err != nil {
			logger.Error("failed to load TLS credentials", "error", err)
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, extra...)

	conn, err := grpc.NewClient(config.Address, dialOpts...)
	if err != nil {
		logger.Error("failed to create connection", "address", config.Address, "error", err)
		return nil, domain.NewSystemError("grpc-client", "dial "+config.Address, err)
	}

	return &Client{
		logger: logger,
		config: config,
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
	}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.call(ctx, method, req, resp, true)
}

// call applies RequestTimeout when bounded is set and ctx carries no deadline.
func (c *Client) call(ctx context.Context, method string, req, resp interface{}, bounded bool) error {
	if _, ok := ctx.Deadline(); bounded && !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}
	// Only Workflows calls use the JSON codec; health stays on protobuf.
	err := c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
	return fromStatus(method, err)
}

// Submit starts an execution. A rejected definition comes back as a
// *domain.ValidationFailedError carrying the report.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	resp := &SubmitResponse{}
	// A waiting submit lasts as long as the execution.
	if err := c.call(ctx, "Submit", req, resp, !req.Wait); err != nil {
		return nil, err
	}
	if resp.Report != nil {
		return resp, &domain.ValidationFailedError{Report: *resp.Report}
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	resp := &StatusResponse{}
	if err := c.invoke(ctx, "Status", &StatusRequest{ExecutionID: executionID}, resp); err != nil {
		return nil, err
	}
	return resp.Execution, nil
}

func (c *Client) Cancel(ctx context.Context, executionID string) (domain.ExecutionStatus, error) {
	resp := &CancelResponse{}
	if err := c.invoke(ctx, "Cancel", &CancelRequest{ExecutionID: executionID}, resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) Validate(ctx context.Context, def domain.WorkflowDefinition) (domain.ValidationReport, error) {
	resp := &ValidateResponse{}
	if err := c.invoke(ctx, "Validate", &ValidateRequest{Definition: def}, resp); err != nil {
		return domain.ValidationReport{}, err
	}
	return resp.Report, nil
}

// Check queries the standard health service for the Workflows service.
func (c *Client) Check(ctx context.Context) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, fromStatus("Check", err)
	}
	return resp.GetStatus(), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// fromStatus maps a gRPC status back onto the domain sentinels.
func fromStatus(method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return domain.NewSystemError("grpc-client", method, err)
	}

	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), domain.ErrExecutionNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), domain.ErrInvalidInput)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", st.Message(), domain.ErrAlreadyStarted)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", st.Message(), domain.ErrTerminal)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return &domain.TimeoutError{Op: method, Err: context.DeadlineExceeded}
	case codes.Unavailable:
		return domain.NewSystemError("grpc-client", method, fmt.Errorf("%s: %w", st.Message(), domain.ErrClosed))
	default:
		return domain.NewSystemError("grpc-client", method, err)
	}
}
