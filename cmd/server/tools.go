package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"mcpa2a/catalog"
	"mcpa2a/config"
	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/mcpclient"
)

const toolShutdownTimeout = 10 * time.Second

// toolServers is the set of connected tool servers behind a catalog.
type toolServers struct {
	manager *mcpclient.Manager
	catalog *catalog.Catalog
	logger  loggerv2.Logger
}

// connectTools brings up every configured tool server. The returned
// toolServers must be closed even when err is non-nil.
func connectTools(ctx context.Context, cfg *config.Config, logger loggerv2.Logger) (*toolServers, error) {
	mcpCfg, err := mcpclient.LoadConfig(cfg.Agent.MCPConfig, logger)
	if err != nil {
		return nil, err
	}
	ts := &toolServers{
		manager: mcpclient.NewManager(mcpCfg, logger, mcpclient.WithTimeouts(cfg.Timeouts.Session())),
		logger:  logger,
	}
	results, err := ts.manager.ConnectAll(ctx)
	if err != nil {
		return ts, err
	}
	cat, err := catalog.FromConnectResults(results, logger)
	if err != nil {
		logger.Warn("Some tool servers were not registered", loggerv2.Error(err))
	}
	ts.catalog = cat
	return ts, nil
}

// Close shuts every tool server down. Failures are logged.
func (ts *toolServers) Close() {
	if ts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), toolShutdownTimeout)
	defer cancel()
	if err := ts.manager.ShutdownAll(ctx); err != nil {
		ts.logger.Warn("Tool server shutdown reported errors", loggerv2.Error(err))
	}
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of every configured server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		defer logger.Close()

		ts, err := connectTools(cmd.Context(), cfg, logger)
		defer ts.Close()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		name := color.New(color.FgCyan, color.Bold)
		for _, server := range ts.catalog.Servers() {
			fmt.Fprintf(out, "%s\n", color.New(color.Bold).Sprint(server))
			for _, e := range ts.catalog.Entries() {
				if e.Server != server {
					continue
				}
				name.Fprintf(out, "  %s", e.Qualified)
				if e.Tool.Description != "" {
					fmt.Fprintf(out, "  %s", e.Tool.Description)
				}
				fmt.Fprintln(out)
			}
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <tool> [json-arguments]",
	Short: "Call one tool by its qualified name",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		defer logger.Close()

		arguments := json.RawMessage(`{}`)
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("arguments are not valid JSON: %s", args[1])
			}
			arguments = json.RawMessage(args[1])
		}

		ts, err := connectTools(cmd.Context(), cfg, logger)
		defer ts.Close()
		if err != nil {
			return err
		}

		outcome := ts.catalog.Dispatch(cmd.Context(), args[0], arguments)
		logger.Debug("Tool call finished",
			loggerv2.String("tool", args[0]),
			loggerv2.Duration("duration", outcome.Duration))

		out := cmd.OutOrStdout()
		if outcome.IsError() {
			color.New(color.FgRed).Fprintln(out, outcome.Text())
			return fmt.Errorf("tool %s failed", args[0])
		}
		fmt.Fprintln(out, outcome.Text())
		return nil
	},
}
