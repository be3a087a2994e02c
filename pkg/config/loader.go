package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Resolve relative paths based on config file location
	resolveRelativePaths(cfg, filepath.Dir(path))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration YAML, expands environment variables and
// applies defaults. Paths are left as written and nothing is validated.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	expandEnvVars(&cfg)
	cfg.SetDefaults()
	return &cfg, nil
}

// expandEnvVars expands environment variables in string values. Tag
// templates are left alone: their {{ }} macros are expanded per run.
func expandEnvVars(c *Config) {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		h.ID = os.ExpandEnv(h.ID)
		h.Endpoint = os.ExpandEnv(h.Endpoint)
		h.APIVersion = os.ExpandEnv(h.APIVersion)
		h.TLS.CAFile = os.ExpandEnv(h.TLS.CAFile)
		h.TLS.CertFile = os.ExpandEnv(h.TLS.CertFile)
		h.TLS.KeyFile = os.ExpandEnv(h.TLS.KeyFile)
		h.RegistryAuth.Username = os.ExpandEnv(h.RegistryAuth.Username)
		h.RegistryAuth.Password = os.ExpandEnv(h.RegistryAuth.Password)
		h.RegistryAuth.IdentityToken = os.ExpandEnv(h.RegistryAuth.IdentityToken)
		h.RegistryAuth.ServerAddress = os.ExpandEnv(h.RegistryAuth.ServerAddress)
	}

	for k, v := range c.Nodes {
		c.Nodes[k] = os.ExpandEnv(v)
	}

	c.Step.ContextDir = os.ExpandEnv(c.Step.ContextDir)
	c.Step.Build.Dockerfile = os.ExpandEnv(c.Step.Build.Dockerfile)
	for k, v := range c.Step.Build.BuildArgs {
		c.Step.Build.BuildArgs[k] = os.ExpandEnv(v)
	}

	c.Vars.File = os.ExpandEnv(c.Vars.File)
	for k, v := range c.Vars.Values {
		c.Vars.Values[k] = os.ExpandEnv(v)
	}

	c.History.Dir = os.ExpandEnv(c.History.Dir)

	c.Agent.Listen = os.ExpandEnv(c.Agent.Listen)
	c.Agent.Token = os.ExpandEnv(c.Agent.Token)
	c.Agent.LogFile = os.ExpandEnv(c.Agent.LogFile)
}

// resolveRelativePaths resolves file paths relative to the config file.
// The step's context_dir stays relative: it is resolved against the job
// workspace at run time.
func resolveRelativePaths(c *Config, basePath string) {
	for i := range c.Hosts {
		tls := &c.Hosts[i].TLS
		tls.CAFile = resolvePath(tls.CAFile, basePath)
		tls.CertFile = resolvePath(tls.CertFile, basePath)
		tls.KeyFile = resolvePath(tls.KeyFile, basePath)
	}
	c.Vars.File = resolvePath(c.Vars.File, basePath)
	c.History.Dir = resolvePath(c.History.Dir, basePath)
	c.Agent.LogFile = resolvePath(c.Agent.LogFile, basePath)
}

func resolvePath(path, basePath string) string {
	if path == "" {
		return ""
	}
	return expandTildeAndResolvePath(path, basePath)
}

// expandTildeAndResolvePath expands ~ to home directory and resolves relative paths.
func expandTildeAndResolvePath(path, basePath string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			if len(path) == 1 {
				path = home
			} else if path[1] == '/' || path[1] == filepath.Separator {
				path = filepath.Join(home, path[2:])
			}
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, path)
	}

	return path
}
