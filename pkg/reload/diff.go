package reload

import (
	"maps"
	"slices"

	"github.com/gridctl/imagectl/pkg/config"
	"github.com/gridctl/imagectl/pkg/host"
)

// ConfigDiff describes what changed between two agent configurations.
type ConfigDiff struct {
	Hosts        HostDiff
	Nodes        NodeDiff
	AgentChanged bool // listen address, auth or endpoint policy
}

// HostDiff lists host IDs by kind of change.
type HostDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// NodeDiff lists node names whose binding changed.
type NodeDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// IsEmpty reports whether nothing changed.
func (d *ConfigDiff) IsEmpty() bool {
	return len(d.Hosts.Added) == 0 &&
		len(d.Hosts.Removed) == 0 &&
		len(d.Hosts.Modified) == 0 &&
		len(d.Nodes.Added) == 0 &&
		len(d.Nodes.Removed) == 0 &&
		len(d.Nodes.Modified) == 0 &&
		!d.AgentChanged
}

// ComputeDiff compares old and new configurations. Hosts are matched by ID.
func ComputeDiff(old, new *config.Config) *ConfigDiff {
	return &ConfigDiff{
		Hosts:        diffHosts(old.Hosts, new.Hosts),
		Nodes:        diffNodes(old.Nodes, new.Nodes),
		AgentChanged: old.Agent != new.Agent,
	}
}

func diffHosts(oldHosts, newHosts []host.Host) HostDiff {
	var diff HostDiff

	oldMap := make(map[string]host.Host, len(oldHosts))
	for _, h := range oldHosts {
		oldMap[h.ID] = h
	}
	newMap := make(map[string]host.Host, len(newHosts))
	for _, h := range newHosts {
		newMap[h.ID] = h
	}

	for _, h := range newHosts {
		prev, exists := oldMap[h.ID]
		switch {
		case !exists:
			diff.Added = append(diff.Added, h.ID)
		case prev != h:
			diff.Modified = append(diff.Modified, h.ID)
		}
	}
	for _, h := range oldHosts {
		if _, exists := newMap[h.ID]; !exists {
			diff.Removed = append(diff.Removed, h.ID)
		}
	}
	return diff
}

func diffNodes(oldNodes, newNodes map[string]string) NodeDiff {
	var diff NodeDiff

	for _, name := range slices.Sorted(maps.Keys(newNodes)) {
		prev, exists := oldNodes[name]
		switch {
		case !exists:
			diff.Added = append(diff.Added, name)
		case prev != newNodes[name]:
			diff.Modified = append(diff.Modified, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(oldNodes)) {
		if _, exists := newNodes[name]; !exists {
			diff.Removed = append(diff.Removed, name)
		}
	}
	return diff
}
