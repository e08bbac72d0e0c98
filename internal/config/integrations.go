package config

import (
	"fmt"
	"sort"
	"time"

	"hobbes/internal/mcp"
)

// IntegrationsConfig configures MCP tool servers, keyed by server name.
type IntegrationsConfig struct {
	Servers map[string]MCPServerIntegration `yaml:"servers"`
}

// MCPServerIntegration configures a single MCP server.
type MCPServerIntegration struct {
	Disabled    bool              `yaml:"disabled"`
	Description string            `yaml:"description"`
	Protocol    string            `yaml:"protocol"` // stdio (default when command is set), http
	Command     string            `yaml:"command"`  // run via sh -c
	Env         map[string]string `yaml:"env"`
	BaseURL     string            `yaml:"base_url"`
	Endpoint    string            `yaml:"endpoint"`
	Timeout     string            `yaml:"timeout"`
}

// DefaultTimeout returns a default call timeout based on server name.
func DefaultTimeout(name string) string {
	switch name {
	case "fetch", "browser":
		return "120s"
	default:
		return "30s"
	}
}

// Validate checks every enabled server has somewhere to connect.
func (c *IntegrationsConfig) Validate() error {
	for name, s := range c.Servers {
		if s.Disabled {
			continue
		}
		switch s.protocol() {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: stdio protocol requires command", name)
			}
		case "http":
			if s.BaseURL == "" {
				return fmt.Errorf("mcp server %q: http protocol requires base_url", name)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown protocol %q", name, s.Protocol)
		}
	}
	return nil
}

func (s MCPServerIntegration) protocol() string {
	if s.Protocol != "" {
		return s.Protocol
	}
	if s.Command != "" {
		return "stdio"
	}
	return "http"
}

// ToMCPServerConfigs converts enabled servers to MCP manager configs, sorted by name.
// The filesystem server receives projectFolder as a trailing argument.
func (c *IntegrationsConfig) ToMCPServerConfigs(projectFolder string) []mcp.ServerConfig {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]mcp.ServerConfig, 0, len(names))
	for _, name := range names {
		s := c.Servers[name]
		if s.Disabled {
			continue
		}
		timeout := s.Timeout
		if timeout == "" {
			timeout = DefaultTimeout(name)
		}
		command := s.Command
		if name == "filesystem" && projectFolder != "" && command != "" {
			command = fmt.Sprintf("%s %q", command, projectFolder)
		}
		configs = append(configs, mcp.ServerConfig{
			Name:        name,
			Description: s.Description,
			Protocol:    s.protocol(),
			Command:     command,
			Env:         s.Env,
			BaseURL:     s.BaseURL,
			Endpoint:    s.Endpoint,
			Timeout:     parseDuration(timeout, 30*time.Second),
		})
	}
	return configs
}
