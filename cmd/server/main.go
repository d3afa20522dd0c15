package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mcpa2a/config"
	loggerv2 "mcpa2a/logger/v2"
)

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	mcpConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "mcpa2a",
	Short: "A2A task server backed by MCP tool servers",
	Long: `mcpa2a serves the A2A task protocol over HTTP and gRPC. Tasks are answered
by an agent loop that calls tools exposed by MCP servers listed in
mcp_config.json.

Examples:
  # Serve over HTTP on the configured address
  mcpa2a serve --mcp-config mcp_config.json

  # List the tools of every configured server
  mcpa2a tools

  # Call one tool directly
  mcpa2a call calc_add '{"a": 2, "b": 3}'

  # Stream a task from a running server
  mcpa2a send "what is 2 + 3"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (yaml, json or toml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (text, json)")
	flags.StringVar(&mcpConfig, "mcp-config", "", "tool server config file (mcp_config.json)")

	rootCmd.AddCommand(serveCmd, toolsCmd, callCmd, sendCmd)
}

// loadEnvFile loads a dotenv file. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadConfig layers the config file, the environment and the flags that
// were set on cmd. binds maps config keys to flag names.
func loadConfig(cmd *cobra.Command, binds map[string]string) (*config.Config, loggerv2.Logger, error) {
	v := config.New()
	all := map[string]string{
		"logging.level":    "log-level",
		"logging.format":   "log-format",
		"agent.mcp_config": "mcp-config",
	}
	for key, name := range binds {
		all[key] = name
	}
	for key, name := range all {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, nil, fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := loggerv2.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
