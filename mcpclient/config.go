package mcpclient

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	loggerv2 "mcpa2a/logger/v2"
)

// ProtocolType defines the connection protocol
type ProtocolType string

const (
	ProtocolStdio ProtocolType = "stdio"
	ProtocolSSE   ProtocolType = "sse"
)

// NameDelimiter joins a server name and a tool name into a qualified tool
// name. Server names may not contain it.
const NameDelimiter = "_"

// MCPServerConfig describes how to reach one tool server.
type MCPServerConfig struct {
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Protocol    ProtocolType      `json:"protocol,omitempty"`
	// SSE specific fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GetProtocol returns the protocol type with smart detection
func (c *MCPServerConfig) GetProtocol() ProtocolType {
	if c.Protocol != "" {
		return c.Protocol
	}
	if c.URL != "" {
		return ProtocolSSE
	}
	return ProtocolStdio
}

// Validate checks that the entry can be connected.
func (c *MCPServerConfig) Validate() error {
	switch c.GetProtocol() {
	case ProtocolStdio:
		if c.Command == "" {
			return fmt.Errorf("stdio server requires a command")
		}
	case ProtocolSSE:
		if c.URL == "" {
			return fmt.Errorf("sse server requires a url")
		}
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	return nil
}

// MCPConfig is the mcp_config.json document.
type MCPConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// LoadConfig reads and validates an mcp_config.json file. An empty path
// yields an empty configuration (no tool servers).
func LoadConfig(configPath string, logger loggerv2.Logger) (*MCPConfig, error) {
	logger = loggerv2.OrNoop(logger)
	if configPath == "" {
		logger.Debug("Config path is empty, running without tool servers")
		return &MCPConfig{MCPServers: make(map[string]MCPServerConfig)}, nil
	}

	startTime := time.Now()
	//nolint:gosec // G304: configPath comes from command-line/config, not user input
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	logger.Debug("Loaded tool server config",
		loggerv2.String("config_path", configPath),
		loggerv2.Int("servers", len(cfg.MCPServers)),
		loggerv2.Duration("duration", time.Since(startTime)))
	return cfg, nil
}

// ParseConfig decodes and validates an mcp_config.json document.
func ParseConfig(data []byte) (*MCPConfig, error) {
	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]MCPServerConfig)
	}
	for name, server := range cfg.MCPServers {
		if name == "" {
			return nil, fmt.Errorf("server with empty name")
		}
		if strings.Contains(name, NameDelimiter) {
			return nil, fmt.Errorf("server name %q must not contain %q", name, NameDelimiter)
		}
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}
	return &cfg, nil
}

// GetServer returns the configuration of a named server.
func (c *MCPConfig) GetServer(name string) (MCPServerConfig, error) {
	server, ok := c.MCPServers[name]
	if !ok {
		return MCPServerConfig{}, fmt.Errorf("server %q not found in config", name)
	}
	return server, nil
}

// ListServers returns the configured server names in sorted order.
func (c *MCPConfig) ListServers() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
