// calcserver is an MCP tool server exposing add, subtract, multiply and
// divide. It serves stdio by default, or the event-stream transport with
// --sse, or streamable HTTP with --http.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	loggerv2 "mcpa2a/logger/v2"
)

const version = "1.0.0"

var (
	sseAddr  string
	httpAddr string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "calcserver",
	Short: "Calculator MCP tool server",
	Long: `calcserver exposes add, subtract, multiply and divide as MCP tools.

Examples:
  # stdio, for mcp_config.json {"command": "calcserver"}
  calcserver

  # event-stream transport, for {"url": "http://localhost:8931/sse"}
  calcserver --sse localhost:8931`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout belongs to the protocol in stdio mode
		logger, err := loggerv2.New(loggerv2.Config{Level: logLevel, Format: "text", Output: "stderr"})
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		defer logger.Close()
		return run(cmd.Context(), newServer(), logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&sseAddr, "sse", "", "serve the event-stream transport on this address")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "serve streamable HTTP on this address")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.MarkFlagsMutuallyExclusive("sse", "http")
}

func run(ctx context.Context, s *server.MCPServer, logger loggerv2.Logger) error {
	switch {
	case sseAddr != "":
		baseURL := "http://" + sseAddr
		if strings.HasPrefix(sseAddr, ":") {
			baseURL = "http://localhost" + sseAddr
		}
		sse := server.NewSSEServer(s, server.WithBaseURL(baseURL))
		logger.Info("Serving calculator over SSE", loggerv2.String("addr", sseAddr))
		return serveHTTP(ctx, func() error { return sse.Start(sseAddr) }, sse.Shutdown, logger)

	case httpAddr != "":
		streamable := server.NewStreamableHTTPServer(s, server.WithLogger(loggerv2.ToUtilLogger(logger)))
		logger.Info("Serving calculator over streamable HTTP", loggerv2.String("addr", httpAddr))
		return serveHTTP(ctx, func() error { return streamable.Start(httpAddr) }, streamable.Shutdown, logger)

	default:
		stdio := server.NewStdioServer(s)
		stdio.SetErrorLogger(loggerv2.ToStdLogger(logger))
		logger.Debug("Serving calculator over stdio")
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func serveHTTP(ctx context.Context, start func() error, shutdown func(context.Context) error, logger loggerv2.Logger) error {
	errs := make(chan error, 1)
	go func() { errs <- start() }()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		logger.Warn("Calculator shutdown error", loggerv2.Error(err))
	}
	return nil
}

func newServer() *server.MCPServer {
	s := server.NewMCPServer("calc", version, server.WithToolCapabilities(false))
	for _, op := range operations {
		s.AddTool(mcp.NewTool(op.name,
			mcp.WithDescription(op.description),
			mcp.WithNumber("a", mcp.Required(), mcp.Description("First operand")),
			mcp.WithNumber("b", mcp.Required(), mcp.Description("Second operand")),
		), binary(op.apply))
	}
	return s
}

type operation struct {
	name        string
	description string
	apply       func(a, b float64) (float64, error)
}

var errDivideByZero = errors.New("division by zero")

var operations = []operation{
	{"add", "Add two numbers", func(a, b float64) (float64, error) { return a + b, nil }},
	{"subtract", "Subtract b from a", func(a, b float64) (float64, error) { return a - b, nil }},
	{"multiply", "Multiply two numbers", func(a, b float64) (float64, error) { return a * b, nil }},
	{"divide", "Divide a by b", func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, errDivideByZero
		}
		return a / b, nil
	}},
}

// binary wraps a two-operand function as a tool handler. Bad input and
// arithmetic failures are tool errors, not protocol errors.
func binary(apply func(a, b float64) (float64, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := req.RequireFloat("a")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := req.RequireFloat("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		v, err := apply(a, b)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%g", v)), nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
