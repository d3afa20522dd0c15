// Package catalog maps qualified tool names (server + delimiter + tool) to
// the sessions that serve them and validates calls before dispatch.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/mcpclient"
)

// Caller is the part of a tool-server session the catalog needs.
type Caller interface {
	Name() string
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
	ListTools(ctx context.Context) ([]mcpclient.Tool, error)
	ToolsStale() bool
}

// Entry is one callable tool under its qualified name.
type Entry struct {
	Qualified string
	Server    string
	Tool      mcpclient.Tool

	schema inputSchema
}

// Outcome is the result of one dispatch. Payload is either the raw
// tools/call result or a {"error": ...} object; Err is set in the latter
// case.
type Outcome struct {
	Name     string
	Payload  json.RawMessage
	Err      *mcpclient.ToolError
	Duration time.Duration
}

// IsError reports whether the call failed or the tool flagged its result
// as an error.
func (o Outcome) IsError() bool {
	return o.Err != nil || mcpclient.ResultIsError(o.Payload)
}

// Text renders the outcome for a model or a human.
func (o Outcome) Text() string {
	if o.Err != nil {
		return "Error: " + o.Err.Message
	}
	return mcpclient.ResultText(o.Payload)
}

// Catalog is safe for concurrent use.
type Catalog struct {
	delimiter string
	logger    loggerv2.Logger

	mu      sync.RWMutex
	servers map[string]Caller
	entries map[string]*Entry
}

// New returns an empty catalog using the given delimiter. An empty
// delimiter means mcpclient.NameDelimiter.
func New(delimiter string, logger loggerv2.Logger) *Catalog {
	if delimiter == "" {
		delimiter = mcpclient.NameDelimiter
	}
	return &Catalog{
		delimiter: delimiter,
		logger:    loggerv2.OrNoop(logger),
		servers:   make(map[string]Caller),
		entries:   make(map[string]*Entry),
	}
}

// FromConnectResults registers every successfully connected server.
func FromConnectResults(results []mcpclient.ConnectResult, logger loggerv2.Logger) (*Catalog, error) {
	c := New("", logger)
	var errs []error
	for _, res := range results {
		if res.Error != nil || res.Session == nil {
			continue
		}
		if err := c.Register(res.Session, res.Tools); err != nil {
			errs = append(errs, err)
		}
	}
	return c, errors.Join(errs...)
}

// Register replaces everything known about caller's server with tools.
func (c *Catalog) Register(caller Caller, tools []mcpclient.Tool) error {
	server := caller.Name()
	if server == "" || strings.Contains(server, c.delimiter) {
		return fmt.Errorf("server name %q is empty or contains %q", server, c.delimiter)
	}

	fresh := make(map[string]*Entry, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		schema, err := parseSchema(tool.InputSchema)
		if err != nil {
			c.logger.Warn("Ignoring malformed input schema",
				loggerv2.String("server", server),
				loggerv2.String("tool", tool.Name),
				loggerv2.Error(err))
		}
		q := server + c.delimiter + tool.Name
		fresh[q] = &Entry{Qualified: q, Server: server, Tool: tool, schema: schema}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(server)
	c.servers[server] = caller
	for q, e := range fresh {
		c.entries[q] = e
	}
	c.logger.Debug("Registered tools", loggerv2.String("server", server), loggerv2.Int("tools", len(fresh)))
	return nil
}

// Unregister forgets a server and its tools.
func (c *Catalog) Unregister(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(server)
}

func (c *Catalog) dropLocked(server string) {
	delete(c.servers, server)
	for q, e := range c.entries {
		if e.Server == server {
			delete(c.entries, q)
		}
	}
}

// Refresh re-lists tools on servers that announced a change.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.RLock()
	stale := make([]Caller, 0)
	for _, caller := range c.servers {
		if caller.ToolsStale() {
			stale = append(stale, caller)
		}
	}
	c.mu.RUnlock()

	var errs []error
	for _, caller := range stale {
		tools, err := caller.ListTools(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", caller.Name(), err))
			continue
		}
		if err := c.Register(caller, tools); err != nil {
			errs = append(errs, err)
		}
		c.logger.Info("Tool list refreshed", loggerv2.String("server", caller.Name()), loggerv2.Int("tools", len(tools)))
	}
	return errors.Join(errs...)
}

// Split separates a qualified name at the first delimiter.
func (c *Catalog) Split(qualified string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(qualified, c.delimiter)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Lookup returns the entry for a qualified name.
func (c *Catalog) Lookup(qualified string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[qualified]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns all entries sorted by qualified name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Qualified < out[j].Qualified })
	return out
}

// Servers returns the registered server names, sorted.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.servers))
	for name := range c.servers {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Definitions returns the tools under their qualified names, ready to be
// offered to a model.
func (c *Catalog) Definitions() []mcp.Tool {
	entries := c.Entries()
	defs := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, e.Tool.MCP(e.Qualified))
	}
	return defs
}

// Dispatch validates and runs one call. It never returns a Go error: every
// failure is reported in the Outcome so it can flow back to the model like
// any other tool result. Validation failures never reach the tool server.
func (c *Catalog) Dispatch(ctx context.Context, qualified string, args json.RawMessage) Outcome {
	start := time.Now()
	out := Outcome{Name: qualified}
	finish := func(raw json.RawMessage, err error) Outcome {
		out.Duration = time.Since(start)
		if err != nil {
			te, ok := mcpclient.AsToolError(err)
			if !ok {
				te = &mcpclient.ToolError{Kind: mcpclient.KindRPCError, Message: err.Error()}
			}
			out.Err = te
			out.Payload, _ = json.Marshal(te)
			return out
		}
		out.Payload = raw
		return out
	}
	fail := func(kind mcpclient.ErrorKind, format string, a ...any) Outcome {
		te := &mcpclient.ToolError{Kind: kind, Message: fmt.Sprintf(format, a...)}
		c.logger.Debug("Tool call rejected", loggerv2.String("tool", qualified), loggerv2.String("reason", te.Message))
		return finish(nil, te)
	}

	server, tool, ok := c.Split(qualified)
	if !ok {
		return fail(mcpclient.KindValidation, "Invalid tool name: %s", qualified)
	}

	c.mu.RLock()
	caller, known := c.servers[server]
	entry, hasTool := c.entries[qualified]
	c.mu.RUnlock()

	if !known {
		return fail(mcpclient.KindUnknownServer, "Unknown server: %s", server)
	}
	if !hasTool {
		return fail(mcpclient.KindUnknownTool, "Unknown tool: %s on server %s", tool, server)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if problem := entry.schema.validate(args); problem != "" {
		return fail(mcpclient.KindValidation, "%s", problem)
	}

	c.logger.Debug("Calling tool", loggerv2.String("server", server), loggerv2.String("tool", tool))
	raw, err := caller.CallTool(ctx, tool, args)
	res := finish(raw, err)
	if err != nil {
		c.logger.Warn("Tool call failed",
			loggerv2.String("tool", qualified),
			loggerv2.String("kind", string(res.Err.Kind)),
			loggerv2.Duration("duration", res.Duration))
	} else {
		c.logger.Info("Tool call completed",
			loggerv2.String("tool", qualified),
			loggerv2.Duration("duration", res.Duration))
	}
	return res
}
