// Package config loads the server configuration from defaults, an optional
// file and MCPA2A_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/mcpclient"
)

const EnvPrefix = "MCPA2A"

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Agent    AgentConfig     `mapstructure:"agent"`
	Store    StoreConfig     `mapstructure:"store"`
	Timeouts TimeoutsConfig  `mapstructure:"timeouts"`
	Logging  loggerv2.Config `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	GRPCSocket      string        `mapstructure:"grpc_socket"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AgentConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Version     string `mapstructure:"version"`
	// URL advertised on the agent card. Derived from HTTPAddr when empty.
	URL string `mapstructure:"url"`
	// Script is a scenario file for the scripted model. Empty uses the
	// built-in calculator script.
	Script    string `mapstructure:"script"`
	MaxTurns  int    `mapstructure:"max_turns"`
	MCPConfig string `mapstructure:"mcp_config"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type TimeoutsConfig struct {
	Connect        time.Duration `mapstructure:"connect"`
	Initialize     time.Duration `mapstructure:"initialize"`
	ListTools      time.Duration `mapstructure:"list_tools"`
	CallTool       time.Duration `mapstructure:"call_tool"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
}

// Session converts the timeouts to the session form.
func (t TimeoutsConfig) Session() mcpclient.Timeouts {
	return mcpclient.Timeouts{
		Connect:        t.Connect,
		Initialize:     t.Initialize,
		ListTools:      t.ListTools,
		CallTool:       t.CallTool,
		TerminateGrace: t.TerminateGrace,
		KillGrace:      t.KillGrace,
	}
}

func setDefaults(v *viper.Viper) {
	def := mcpclient.DefaultTimeouts()
	logDef := loggerv2.DefaultConfig()

	v.SetDefault("server.http_addr", "localhost:10000")
	v.SetDefault("server.grpc_addr", "")
	v.SetDefault("server.grpc_socket", "")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("agent.name", "calc-agent")
	v.SetDefault("agent.description", "Answers arithmetic questions using calculator tools")
	v.SetDefault("agent.version", "0.1.0")
	v.SetDefault("agent.url", "")
	v.SetDefault("agent.script", "")
	v.SetDefault("agent.max_turns", 10)
	v.SetDefault("agent.mcp_config", "mcp_config.json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "data/tasks.db")

	v.SetDefault("timeouts.connect", def.Connect.String())
	v.SetDefault("timeouts.initialize", def.Initialize.String())
	v.SetDefault("timeouts.list_tools", def.ListTools.String())
	v.SetDefault("timeouts.call_tool", def.CallTool.String())
	v.SetDefault("timeouts.terminate_grace", def.TerminateGrace.String())
	v.SetDefault("timeouts.kill_grace", def.KillGrace.String())

	v.SetDefault("logging.level", logDef.Level)
	v.SetDefault("logging.format", logDef.Format)
	v.SetDefault("logging.output", logDef.Output)
	v.SetDefault("logging.file", logDef.FilePath)
}

// New returns a viper instance with defaults and environment binding but
// no file. Commands bind their flags to it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads defaults, the file at path when set and the environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" && c.Server.GRPCSocket == "" {
		errs = append(errs, errors.New("at least one of server.http_addr, server.grpc_addr or server.grpc_socket is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Agent.MaxTurns <= 0 {
		errs = append(errs, errors.New("agent.max_turns must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"connect":         c.Timeouts.Connect,
		"initialize":      c.Timeouts.Initialize,
		"list_tools":      c.Timeouts.ListTools,
		"call_tool":       c.Timeouts.CallTool,
		"terminate_grace": c.Timeouts.TerminateGrace,
		"kill_grace":      c.Timeouts.KillGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// CardURL is the URL advertised on the agent card.
func (c *Config) CardURL() string {
	if c.Agent.URL != "" {
		return c.Agent.URL
	}
	addr := c.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}
