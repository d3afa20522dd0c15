package grpcserver

import (
	"google.golang.org/grpc"

	"mcpa2a/a2a"
	loggerv2 "mcpa2a/logger/v2"
)

// SendTaskSubscribe forwards every task event to the stream. The run keeps
// going if the client goes away; only CancelTask stops it.
func (s *TaskService) SendTaskSubscribe(params *a2a.TaskSendParams, stream grpc.ServerStream) error {
	ctx := stream.Context()
	logger := s.logger.With(loggerv2.String("task_id", params.ID))

	events, err := s.handler.OnSendTaskSubscribe(ctx, *params)
	if err != nil {
		logger.Debug("Subscribe rejected", loggerv2.Error(err))
		return toStatus(ctx, err)
	}

	var sent int
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				logger.Debug("Subscribe stream finished", loggerv2.Int("events", sent))
				return nil
			}
			if err := stream.SendMsg(&ev); err != nil {
				logger.Debug("Subscribe client gone", loggerv2.Error(err))
				return err
			}
			sent++
		case <-ctx.Done():
			return toStatus(ctx, ctx.Err())
		}
	}
}
