package grpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const ServiceName = "dagflow.v1.Workflows"

type WorkflowsServer interface {
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error)
}

var workflowsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", WorkflowsServer.Submit)},
		{MethodName: "Status", Handler: unaryHandler("Status", WorkflowsServer.Status)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", WorkflowsServer.Cancel)},
		{MethodName: "Validate", Handler: unaryHandler("Validate", WorkflowsServer.Validate)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dagflow/v1/workflows",
}

func RegisterWorkflowsServer(s grpc.ServiceRegistrar, srv WorkflowsServer) {
	s.RegisterService(&workflowsServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryHandler[Req, Resp any](name string, call func(WorkflowsServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	method := fullMethod(name)
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(WorkflowsServer), ctx, req.(*Req))
		})
	}
}

// workflowService exposes an execution engine over gRPC.
type workflowService struct {
	engine    ports.ExecutionEngine
	validator ports.Validator
	logger    *slog.Logger
}

func NewWorkflowService(engine ports.ExecutionEngine, validator ports.Validator, logger *slog.Logger) WorkflowsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &workflowService{
		engine:    engine,
		validator: validator,
		logger:    logger.With("component", "grpc-workflows"),
	}
}

func (s *workflowService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	id, err := s.engine.Submit(ctx, req.Definition, req.Input, req.Options)
	if err != nil {
		var rejected *domain.ValidationFailedError
		if errors.As(err, &rejected) {
			return &SubmitResponse{Report: &rejected.Report}, nil
		}
		return nil, toStatus(err)
	}

	resp := &SubmitResponse{ExecutionID: id}
	if !req.Wait {
		return resp, nil
	}

	exec, err := s.engine.Wait(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.Execution = exec
	return resp, nil
}

func (s *workflowService) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if req.ExecutionID == "" {
		return nil, status.Error(codes.InvalidArgument, "execution id is required")
	}
	exec, err := s.engine.Status(ctx, req.ExecutionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{Execution: exec}, nil
}

func (s *workflowService) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	if req.ExecutionID == "" {
		return nil, status.Error(codes.InvalidArgument, "execution id is required")
	}
	if err := s.engine.Cancel(ctx, req.ExecutionID); err != nil {
		return nil, toStatus(err)
	}

	resp := &CancelResponse{}
	if exec, err := s.engine.Status(ctx, req.ExecutionID); err == nil {
		resp.Status = exec.Status
	}
	return resp, nil
}

func (s *workflowService) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	report := s.validator.Validate(req.Definition)
	return &ValidateResponse{Valid: report.Valid(), Report: report}, nil
}

// toStatus maps engine errors onto gRPC status codes. fromStatus reverses it
// on the client side.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case domain.IsNotFound(err):
		code = codes.NotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidConfig), domain.IsValidationFailed(err):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrAlreadyStarted):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), domain.IsCancelled(err):
		code = codes.Canceled
	case domain.IsTimeout(err):
		code = codes.DeadlineExceeded
	case errors.Is(err, domain.ErrTerminal):
		code = codes.FailedPrecondition
	}
	return status.Error(code, err.Error())
}
