// Package a2aserver exposes the task operations over HTTP: JSON-RPC on
// POST /, server-sent events for tasks/sendSubscribe and the agent card at
// /.well-known/agent.json.
package a2aserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"mcpa2a/a2a"
	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/sse"
)

const (
	AgentCardPath          = "/.well-known/agent.json"
	maxRequestBody         = 10 * 1024 * 1024
	DefaultShutdownTimeout = 30 * time.Second
)

// TaskHandler serves the task methods. *taskmanager.Manager implements
// it. Errors that are *a2a.JSONRPCError go on the wire as they are; any
// other error becomes an internal error.
type TaskHandler interface {
	OnSendTask(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error)
	OnSendTaskSubscribe(ctx context.Context, params a2a.TaskSendParams) (<-chan a2a.StreamEvent, error)
	OnGetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error)
	OnCancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error)
}

type Config struct {
	Addr   string
	Card   a2a.AgentCard
	Logger loggerv2.Logger
}

// Server is the HTTP front of the task manager.
type Server struct {
	handler TaskHandler
	card    a2a.AgentCard
	logger  loggerv2.Logger
	server  *http.Server
}

func New(cfg Config, handler TaskHandler) *Server {
	logger := loggerv2.OrNoop(cfg.Logger).With(loggerv2.String("component", "a2aserver"))
	s := &Server{handler: handler, card: cfg.Card, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET "+AgentCardPath, s.handleCard)

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          loggerv2.ToStdLogger(logger),
	}
	return s
}

// Handler returns the routing handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks until the server stops. A clean shutdown returns
// nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting A2A HTTP server", loggerv2.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting A2A HTTP server", loggerv2.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for open ones, including
// event streams, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down A2A HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("A2A HTTP server shutdown timed out, closing connections", loggerv2.Error(err))
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.card, s.logger)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.writeError(w, nil, a2a.ErrInvalidRequest(err.Error()))
		return
	}

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, a2a.ErrParse(err.Error()))
		return
	}
	if rpcErr := req.Validate(); rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	logger := s.logger.With(loggerv2.String("method", req.Method))
	logger.Debug("JSON-RPC request")
	ctx := r.Context()

	switch req.Method {
	case a2a.MethodSendTask:
		var params a2a.TaskSendParams
		if rpcErr := req.DecodeParams(&params); rpcErr != nil {
			s.writeError(w, req.ID, rpcErr)
			return
		}
		task, err := s.handler.OnSendTask(ctx, params)
		s.writeResult(w, req.ID, task, err)

	case a2a.MethodSendTaskSubscribe:
		var params a2a.TaskSendParams
		if rpcErr := req.DecodeParams(&params); rpcErr != nil {
			s.writeError(w, req.ID, rpcErr)
			return
		}
		stream, err := s.handler.OnSendTaskSubscribe(ctx, params)
		if err != nil {
			s.writeError(w, req.ID, asRPCError(err))
			return
		}
		s.stream(w, r, req.ID, stream)

	case a2a.MethodGetTask:
		var params a2a.TaskQueryParams
		if rpcErr := req.DecodeParams(&params); rpcErr != nil {
			s.writeError(w, req.ID, rpcErr)
			return
		}
		task, err := s.handler.OnGetTask(ctx, params)
		s.writeResult(w, req.ID, task, err)

	case a2a.MethodCancelTask:
		var params a2a.TaskIDParams
		if rpcErr := req.DecodeParams(&params); rpcErr != nil {
			s.writeError(w, req.ID, rpcErr)
			return
		}
		task, err := s.handler.OnCancelTask(ctx, params)
		s.writeResult(w, req.ID, task, err)

	default:
		logger.Warn("Unexpected method")
		s.writeError(w, req.ID, a2a.ErrMethodNotFound(req.Method))
	}
}

// stream writes every event as one data-only SSE event carrying a full
// JSON-RPC response. It returns when the stream closes or the client goes
// away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, id json.RawMessage, events <-chan a2a.StreamEvent) {
	sse.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(a2a.NewResponse(id, ev))
			if err != nil {
				s.logger.Error("Failed to encode stream event", err)
				continue
			}
			if err := sse.WriteFlush(w, "", data); err != nil {
				s.logger.Debug("Stream client gone", loggerv2.Error(err))
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id json.RawMessage, result any, err error) {
	if err != nil {
		s.writeError(w, id, asRPCError(err))
		return
	}
	writeJSON(w, http.StatusOK, a2a.NewResponse(id, result), s.logger)
}

// writeError answers with HTTP 400 and a JSON-RPC error body.
func (s *Server) writeError(w http.ResponseWriter, id json.RawMessage, rpcErr *a2a.JSONRPCError) {
	s.logger.Debug("JSON-RPC error", loggerv2.Int("code", rpcErr.Code), loggerv2.String("message", rpcErr.Message))
	writeJSON(w, http.StatusBadRequest, a2a.NewErrorResponse(id, rpcErr), s.logger)
}

func asRPCError(err error) *a2a.JSONRPCError {
	var rpcErr *a2a.JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return a2a.ErrInternal(err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any, logger loggerv2.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", loggerv2.Error(err))
	}
}
