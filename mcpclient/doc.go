// Package mcpclient connects to MCP tool servers over a child process or an
// event stream and calls their tools. A Session owns one connection; the
// Manager brings every server in mcp_config.json up and down together.
package mcpclient
