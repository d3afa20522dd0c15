package grpcserver

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"mcpa2a/a2a"
)

// ErrorCodeTrailer names the trailer key carrying the JSON-RPC error code.
const ErrorCodeTrailer = "a2a-error-code"

// grpcCode maps a JSON-RPC error code onto the closest gRPC status code.
func grpcCode(code int) codes.Code {
	switch code {
	case a2a.CodeTaskNotFound:
		return codes.NotFound
	case a2a.CodeParseError, a2a.CodeInvalidRequest, a2a.CodeInvalidParams, a2a.CodeContentTypeNotSupported:
		return codes.InvalidArgument
	case a2a.CodeTaskNotCancelable, a2a.CodeUnsupportedOperation:
		return codes.FailedPrecondition
	case a2a.CodeMethodNotFound, a2a.CodePushNotificationNotSupported:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// toStatus converts a handler error into a status error and records the
// JSON-RPC code in the trailer.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	var rpcErr *a2a.JSONRPCError
	if !errors.As(err, &rpcErr) {
		rpcErr = a2a.ErrInternal(err.Error())
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, strconv.Itoa(rpcErr.Code)))
	return status.Error(grpcCode(rpcErr.Code), rpcErr.Message)
}

// fromStatus is the client side of toStatus. Errors without the trailer are
// returned unchanged.
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	vals := trailer.Get(ErrorCodeTrailer)
	if len(vals) == 0 {
		return err
	}
	code, convErr := strconv.Atoi(vals[0])
	if convErr != nil {
		return err
	}
	return &a2a.JSONRPCError{Code: code, Message: status.Convert(err).Message()}
}
