package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const RequestIDHeader = "x-request-id"

type requestIDKey struct{}

// WithRequestID tags ctx so outgoing client calls carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the correlation id carried by ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// adoptRequestID reuses the caller's x-request-id or mints one, and echoes it
// back in the response header.
func adoptRequestID(ctx context.Context) (context.Context, string) {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(RequestIDHeader); len(values) > 0 {
			id = values[0]
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id))
	return WithRequestID(ctx, id), id
}

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// levelFor keeps caller mistakes out of the error log.
func levelFor(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition,
		codes.Canceled, codes.DeadlineExceeded:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func logCall(ctx context.Context, logger *slog.Logger, method string, start time.Time, err error, attrs ...any) {
	code := codeOf(err)
	attrs = append(attrs,
		"method", method,
		"code", code.String(),
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	logger.Log(ctx, levelFor(code), "rpc finished", attrs...)
}

func recovered(logger *slog.Logger, method string, p any) error {
	logger.Error("rpc handler panicked",
		"method", method,
		"panic", fmt.Sprint(p),
		"stack", string(debug.Stack()))
	return status.Errorf(codes.Internal, "internal error in %s", method)
}

// unaryServerInterceptor tags each call with a request id, converts handler
// panics into codes.Internal and logs the outcome.
func unaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		ctx, id := adoptRequestID(ctx)

		defer func() {
			if p := recover(); p != nil {
				resp, err = nil, recovered(logger, info.FullMethod, p)
			}
			logCall(ctx, logger, info.FullMethod, start, err, "request_id", id)
		}()
		return handler(ctx, req)
	}
}

// streamServerInterceptor serves the health Watch stream.
func streamServerInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = recovered(logger, info.FullMethod, p)
			}
			ctx := context.Background()
			if ss != nil {
				ctx = ss.Context()
			}
			logCall(ctx, logger, info.FullMethod, start, err, "stream", true)
		}()
		return handler(srv, ss)
	}
}

// unaryClientInterceptor forwards the request id on ctx and logs failures.
func unaryClientInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := RequestIDFrom(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
		}

		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err != nil {
			logCall(ctx, logger, method, start, err, "target", cc.Target())
		}
		return err
	}
}
