// Package config loads the imagectl configuration file: the host inventory,
// the node table and the build step.
package config

import (
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/step"
)

// DefaultAgentListen is the agent's default listen address.
const DefaultAgentListen = "127.0.0.1:8765"

// Config is the root of an imagectl configuration file.
type Config struct {
	Hosts   []host.Host       `yaml:"hosts"`
	Nodes   map[string]string `yaml:"nodes"`
	Step    step.Config       `yaml:"step"`
	Vars    Vars              `yaml:"vars"`
	History History           `yaml:"history"`
	Agent   Agent             `yaml:"agent"`
}

// Vars configures the variables available to tag templates.
type Vars struct {
	File   string            `yaml:"file"`   // dotenv file
	Git    *bool             `yaml:"git"`    // read git metadata, default true
	Values map[string]string `yaml:"values"` // fixed values
}

// GitEnabled reports whether git metadata should be read.
func (v Vars) GitEnabled() bool {
	return v.Git == nil || *v.Git
}

// History configures the outcome store.
type History struct {
	Dir string `yaml:"dir"`
}

// Agent configures `imagectl agent`.
type Agent struct {
	Listen    string `yaml:"listen"`
	AuthType  string `yaml:"auth_type"` // "bearer" (default) or "api_key"
	Token     string `yaml:"token"`
	Header    string `yaml:"header"`
	LogFile   string `yaml:"log_file"`
	Endpoints string `yaml:"endpoints"` // "inventory" (default) or "any"
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Agent.Listen == "" {
		c.Agent.Listen = DefaultAgentListen
	}
	if c.Agent.AuthType == "" {
		c.Agent.AuthType = "bearer"
	}
	if c.Agent.Endpoints == "" {
		c.Agent.Endpoints = "inventory"
	}
	if c.Nodes == nil {
		c.Nodes = make(map[string]string)
	}
}

// Inventory returns the configured host inventory.
func (c *Config) Inventory() *host.Inventory {
	return host.NewInventory(c.Hosts)
}

// NodeTable returns the node to host bindings.
func (c *Config) NodeTable() host.NodeTable {
	return host.NodeTable(c.Nodes)
}
