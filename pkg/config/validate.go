package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/gridctl/imagectl/pkg/tags"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors:\n  - " + strings.Join(msgs, "\n  - ")
}

var endpointSchemes = map[string]bool{
	"tcp":   true,
	"unix":  true,
	"npipe": true,
	"http":  true,
	"https": true,
	"ssh":   true,
}

// Validate checks the configuration for errors.
func Validate(c *Config) error {
	var errs ValidationErrors

	hostIDs := make(map[string]bool)
	for i, h := range c.Hosts {
		prefix := fmt.Sprintf("hosts[%d]", i)
		if h.ID == "" {
			errs = append(errs, ValidationError{prefix + ".id", "is required"})
		} else if hostIDs[h.ID] {
			errs = append(errs, ValidationError{prefix + ".id", fmt.Sprintf("duplicate host id '%s'", h.ID)})
		} else {
			hostIDs[h.ID] = true
		}

		if h.Endpoint == "" {
			errs = append(errs, ValidationError{prefix + ".endpoint", "is required"})
		} else if err := validateEndpoint(h.Endpoint); err != nil {
			errs = append(errs, ValidationError{prefix + ".endpoint", err.Error()})
		}

		if (h.TLS.CertFile == "") != (h.TLS.KeyFile == "") {
			errs = append(errs, ValidationError{prefix + ".tls", "cert and key must be set together"})
		}
		if h.Timeouts.Connect < 0 || h.Timeouts.Request < 0 {
			errs = append(errs, ValidationError{prefix + ".timeouts", "must not be negative"})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(c.Nodes)) {
		if id := c.Nodes[name]; id != "" && !hostIDs[id] {
			errs = append(errs, ValidationError{"nodes." + name, fmt.Sprintf("references unknown host '%s'", id)})
		}
	}

	if err := tags.ValidateTemplates(c.Step.Tags); err != nil {
		var invalid *tags.InvalidTagError
		if errors.As(err, &invalid) {
			errs = append(errs, ValidationError{"step.tags", fmt.Sprintf("tag '%s' doesn't match %s", invalid.Tag, tags.Pattern)})
		} else {
			errs = append(errs, ValidationError{"step.tags", err.Error()})
		}
	}

	switch c.Agent.AuthType {
	case "", "bearer", "api_key":
	default:
		errs = append(errs, ValidationError{"agent.auth_type", fmt.Sprintf("unknown auth type '%s'", c.Agent.AuthType)})
	}
	switch c.Agent.Endpoints {
	case "", "inventory", "any":
	default:
		errs = append(errs, ValidationError{"agent.endpoints", fmt.Sprintf("must be 'inventory' or 'any', got '%s'", c.Agent.Endpoints)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %v", err)
	}
	if !endpointSchemes[u.Scheme] {
		return fmt.Errorf("unsupported scheme '%s'", u.Scheme)
	}
	return nil
}
