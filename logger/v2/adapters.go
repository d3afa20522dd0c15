package v2

import (
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/util"
)

// ToUtilLogger adapts v2.Logger to util.Logger (MCP-Go interface)
func ToUtilLogger(l Logger) util.Logger {
	return &utilLoggerAdapter{
		logger: l,
	}
}

// utilLoggerAdapter adapts v2.Logger to util.Logger
type utilLoggerAdapter struct {
	logger Logger
}

func (a *utilLoggerAdapter) Infof(format string, v ...any) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a *utilLoggerAdapter) Errorf(format string, v ...any) {
	a.logger.Error(fmt.Sprintf(format, v...), nil)
}

// ToStdLogger returns a *log.Logger whose lines are forwarded to l at warn
// level. Used for http.Server.ErrorLog and the mcp-go stdio error logger.
func ToStdLogger(l Logger) *log.Logger {
	return log.New(&stdWriter{logger: l}, "", 0)
}

type stdWriter struct {
	logger Logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Warn(msg)
	}
	return len(p), nil
}
