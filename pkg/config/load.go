package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// duration accepts both "45s"-style strings and bare integer seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = duration(time.Duration(secs) * time.Second)
	return nil
}

// serverDefinition is the on-disk shape of one mcpServers entry. Exactly one
// of Command or Address must be set.
type serverDefinition struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Network string            `yaml:"network"`
	Address string            `yaml:"address"`
	Timeout duration          `yaml:"timeout"`
}

// serversFile carries only the backend block. It is decoded straight from the
// file rather than through viper, which lowercases nested map keys and would
// mangle case-sensitive env variable names.
type serversFile struct {
	MCPServers map[string]serverDefinition `yaml:"mcpServers"`
}

// Load reads the hub configuration. When path is empty, the usual locations
// are searched (./mcp-citadel.{yaml,json}, ~/.mcp-citadel/config.{yaml,json});
// a missing file yields Default() unchanged.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("http.enabled", cfg.HTTP.Enabled)
	v.SetDefault("http.host", cfg.HTTP.Host)
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.session_timeout", cfg.HTTP.SessionTimeout)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcp-citadel")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mcp-citadel")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg.SocketPath = v.GetString("socket_path")
	cfg.LogLevel = v.GetString("log_level")
	cfg.HTTP.Enabled = v.GetBool("http.enabled")
	cfg.HTTP.Host = v.GetString("http.host")
	cfg.HTTP.Port = v.GetInt("http.port")
	cfg.HTTP.SessionTimeout = v.GetDuration("http.session_timeout")

	raw, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", v.ConfigFileUsed(), err)
	}
	var servers serversFile
	if err := yaml.Unmarshal(raw, &servers); err != nil {
		return nil, fmt.Errorf("config: parse servers: %w", err)
	}
	for name, def := range servers.MCPServers {
		sc, err := def.toServerConfig()
		if err != nil {
			return nil, fmt.Errorf("config: server %q: %w", name, err)
		}
		cfg.Servers[name] = sc
	}
	return cfg, nil
}

func (d serverDefinition) toServerConfig() (ServerConfig, error) {
	base := BaseServerConfig{Timeout: time.Duration(d.Timeout)}
	switch {
	case d.Command != "" && d.Address != "":
		return nil, fmt.Errorf("command and address are mutually exclusive")
	case d.Command != "":
		return &StdioServerConfig{
			BaseServerConfig: base,
			Command:          d.Command,
			Args:             d.Args,
			Env:              d.Env,
		}, nil
	case d.Address != "":
		network := d.Network
		if network == "" {
			network = "unix"
		}
		return &SocketServerConfig{
			BaseServerConfig: base,
			Network:          network,
			Address:          d.Address,
		}, nil
	default:
		return nil, fmt.Errorf("missing command or address")
	}
}
