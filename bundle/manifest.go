package bundle

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/abi"
	errs "github.com/veldra/plugin-host/errors"
)

// Manifest represents a plugin.yaml file. It is immutable after load; an
// invalid manifest rejects the whole bundle.
type Manifest struct {
	Name         string      `yaml:"name"`
	Version      string      `yaml:"version"`
	ABI          abi.Version `yaml:"abi"`
	Capabilities []string    `yaml:"capabilities,omitempty"`
	Events       []string    `yaml:"events,omitempty"`
	Entry        EntryPoints `yaml:"entry-points,omitempty"`

	caps  map[pluginhost.Capability]struct{}
	globs []glob.Glob
}

// EntryPoints names the module exports used for each hook. Empty fields fall
// back to the conventional export names.
type EntryPoints struct {
	Load   string `yaml:"load,omitempty"`
	Unload string `yaml:"unload,omitempty"`
	Tick   string `yaml:"tick,omitempty"`
	Event  string `yaml:"event,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens, and cannot end with a
// hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errs.SchemaViolation("manifest is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errs.SchemaViolation("invalid YAML: %v", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return errs.SchemaViolation("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return errs.SchemaViolation("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return errs.SchemaViolation("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return errs.SchemaViolation("version %q is not semantic: %v", m.Version, err)
	}

	if m.ABI.Major == 0 {
		return errs.SchemaViolation("abi.major is required and must be at least 1")
	}

	m.caps = make(map[pluginhost.Capability]struct{}, len(m.Capabilities))
	for _, name := range m.Capabilities {
		c, err := pluginhost.ParseCapability(name)
		if err != nil {
			return errs.UnknownCapability(name)
		}
		if _, dup := m.caps[c]; dup {
			return errs.SchemaViolation("capability %q declared twice", name)
		}
		m.caps[c] = struct{}{}
	}

	m.globs = make([]glob.Glob, 0, len(m.Events))
	for _, pattern := range m.Events {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return errs.SchemaViolation("event pattern %q: %v", pattern, err)
		}
		m.globs = append(m.globs, g)
	}

	return nil
}

// Has reports whether the manifest declares the capability.
func (m *Manifest) Has(c pluginhost.Capability) bool {
	_, ok := m.caps[c]
	return ok
}

// CapabilitySet returns the declared capabilities in the host's stable order.
func (m *Manifest) CapabilitySet() []pluginhost.Capability {
	out := make([]pluginhost.Capability, 0, len(m.caps))
	for _, c := range pluginhost.Capabilities {
		if m.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Subscribed reports whether the manifest's event patterns match the event
// type. A manifest that declares no patterns receives every event.
func (m *Manifest) Subscribed(eventType string) bool {
	if len(m.globs) == 0 {
		return true
	}
	for _, g := range m.globs {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}

// Hook resolves the export name for one of the conventional hook names,
// honoring manifest entry-point overrides.
func (m *Manifest) Hook(name string) (string, error) {
	switch name {
	case abi.HookLoad:
		return orDefault(m.Entry.Load, abi.HookLoad), nil
	case abi.HookUnload:
		return orDefault(m.Entry.Unload, abi.HookUnload), nil
	case abi.HookTick:
		return orDefault(m.Entry.Tick, abi.HookTick), nil
	case abi.HookEvent:
		return orDefault(m.Entry.Event, abi.HookEvent), nil
	}
	return "", fmt.Errorf("unknown hook %q", name)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
