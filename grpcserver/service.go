package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"mcpa2a/a2a"
	loggerv2 "mcpa2a/logger/v2"
)

const (
	ServiceName = "mcpa2a.v1.TaskService"

	methodSendTask          = "/" + ServiceName + "/SendTask"
	methodGetTask           = "/" + ServiceName + "/GetTask"
	methodCancelTask        = "/" + ServiceName + "/CancelTask"
	methodSendTaskSubscribe = "/" + ServiceName + "/SendTaskSubscribe"
)

// TaskHandler serves the task methods. *taskmanager.Manager implements it.
type TaskHandler interface {
	OnSendTask(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error)
	OnSendTaskSubscribe(ctx context.Context, params a2a.TaskSendParams) (<-chan a2a.StreamEvent, error)
	OnGetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error)
	OnCancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error)
}

// taskServer is what the service descriptor dispatches to.
type taskServer interface {
	SendTask(ctx context.Context, params *a2a.TaskSendParams) (*a2a.Task, error)
	GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error)
	CancelTask(ctx context.Context, params *a2a.TaskIDParams) (*a2a.Task, error)
	SendTaskSubscribe(params *a2a.TaskSendParams, stream grpc.ServerStream) error
}

// TaskService adapts a TaskHandler to the gRPC service.
type TaskService struct {
	handler TaskHandler
	logger  loggerv2.Logger
}

func NewTaskService(handler TaskHandler, logger loggerv2.Logger) *TaskService {
	return &TaskService{handler: handler, logger: loggerv2.OrNoop(logger)}
}

func (s *TaskService) SendTask(ctx context.Context, params *a2a.TaskSendParams) (*a2a.Task, error) {
	start := time.Now()
	task, err := s.handler.OnSendTask(ctx, *params)
	s.logCall("SendTask", params.ID, start, err)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return task, nil
}

func (s *TaskService) GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	task, err := s.handler.OnGetTask(ctx, *params)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return task, nil
}

func (s *TaskService) CancelTask(ctx context.Context, params *a2a.TaskIDParams) (*a2a.Task, error) {
	start := time.Now()
	task, err := s.handler.OnCancelTask(ctx, *params)
	s.logCall("CancelTask", params.ID, start, err)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return task, nil
}

func (s *TaskService) logCall(method, taskID string, start time.Time, err error) {
	fields := []loggerv2.Field{
		loggerv2.String("method", method),
		loggerv2.String("task_id", taskID),
		loggerv2.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Debug("gRPC call failed", append(fields, loggerv2.Error(err))...)
		return
	}
	s.logger.Debug("gRPC call completed", fields...)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*taskServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendTask", Handler: sendTaskHandler},
		{MethodName: "GetTask", Handler: getTaskHandler},
		{MethodName: "CancelTask", Handler: cancelTaskHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SendTaskSubscribe", Handler: sendTaskSubscribeHandler, ServerStreams: true},
	},
	Metadata: "mcpa2a/v1/task_service",
}

// RegisterTaskService registers svc on s.
func RegisterTaskService(s grpc.ServiceRegistrar, svc *TaskService) {
	s.RegisterService(&serviceDesc, svc)
}

func sendTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(a2a.TaskSendParams)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(taskServer).SendTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendTask}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(taskServer).SendTask(ctx, req.(*a2a.TaskSendParams))
	})
}

func getTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(a2a.TaskQueryParams)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(taskServer).GetTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetTask}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(taskServer).GetTask(ctx, req.(*a2a.TaskQueryParams))
	})
}

func cancelTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(a2a.TaskIDParams)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(taskServer).CancelTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancelTask}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(taskServer).CancelTask(ctx, req.(*a2a.TaskIDParams))
	})
}

func sendTaskSubscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(a2a.TaskSendParams)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(taskServer).SendTaskSubscribe(in, stream)
}
