// Package grpcserver serves the task operations over gRPC.
//
// The service is mcpa2a.v1.TaskService with three unary methods (SendTask,
// GetTask, CancelTask) and one server-streaming method (SendTaskSubscribe).
// Messages are the a2a package types encoded with a JSON codec registered
// under the "json" content subtype, so clients call with
// grpc.CallContentSubtype("json"). The standard health service is
// registered next to it.
//
// Protocol errors travel as gRPC status errors. The JSON-RPC error code is
// carried in the "a2a-error-code" trailer so clients can rebuild the
// original *a2a.JSONRPCError.
package grpcserver
