// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// RuntimeKind identifies which runtime opens a module.
type RuntimeKind string

// Runtime kinds supported by the host.
const (
	RuntimeNative  RuntimeKind = "native"
	RuntimeProcess RuntimeKind = "process"
	RuntimeLua     RuntimeKind = "lua"
)

// DescriptorFile is the sidecar document name looked up inside plugin directories.
const DescriptorFile = "plugin.yaml"

// Document is the on-disk descriptor document (plugin.yaml).
type Document struct {
	ID           string          `yaml:"id" json:"id" jsonschema:"required,pattern=^[a-z]([a-z0-9.-]*[a-z0-9])?$,maxLength=128"`
	Version      string          `yaml:"version" json:"version" jsonschema:"required"`
	Name         string          `yaml:"name,omitempty" json:"name,omitempty"`
	Author       string          `yaml:"author,omitempty" json:"author,omitempty"`
	License      string          `yaml:"license,omitempty" json:"license,omitempty"`
	Runtime      RuntimeKind     `yaml:"runtime" json:"runtime" jsonschema:"required,enum=native,enum=process,enum=lua"`
	Entry        string          `yaml:"entry" json:"entry" jsonschema:"required,minLength=1"`
	Dependencies []DependencyDoc `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Capabilities []string        `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Config       map[string]any  `yaml:"config,omitempty" json:"config,omitempty"`
}

// DependencyDoc is one dependency entry in a descriptor document.
type DependencyDoc struct {
	ID         string `yaml:"id" json:"id" jsonschema:"required"`
	MinVersion string `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	MaxVersion string `yaml:"max_version,omitempty" json:"max_version,omitempty"`
}

// DependencyConstraint is a target identity plus an inclusive-minimum,
// exclusive-maximum version range. A nil Max means "next major of Min".
type DependencyConstraint struct {
	ID  string
	Min *semver.Version
	Max *semver.Version
}

// String renders the constraint as "id>=min,<max".
func (c DependencyConstraint) String() string {
	s := c.ID
	if c.Min != nil {
		s += ">=" + c.Min.String()
	}
	if c.Max != nil {
		if c.Min != nil {
			s += ","
		}
		s += "<" + c.Max.String()
	}
	return s
}

// Descriptor is the immutable description of a plugin. Callers must not
// mutate a Descriptor obtained from the registry.
type Descriptor struct {
	ID           string
	Version      *semver.Version
	Name         string
	Author       string
	License      string
	Runtime      RuntimeKind
	Dependencies []DependencyConstraint
	Capabilities []string
	// Defaults is the configuration declared in the document.
	Defaults map[string]any
	// Path is the descriptor document location.
	Path string
	// Entry is the absolute path of the module entry.
	Entry string
}

// HasCapability reports whether the descriptor advertises tag.
func (d *Descriptor) HasCapability(tag string) bool {
	return slices.Contains(d.Capabilities, tag)
}

// DependsOn reports whether d declares a dependency on id.
func (d *Descriptor) DependsOn(id string) bool {
	for _, c := range d.Dependencies {
		if c.ID == id {
			return true
		}
	}
	return false
}

// maxIDLength is the maximum allowed length for plugin identities.
const maxIDLength = 128

// idPattern validates plugin identities: must start with a lowercase letter,
// followed by lowercase letters, digits, dots or hyphens, and not end with a
// dot or hyphen. Single character identities are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9.-]*[a-z0-9])?$`)

// ParseDescriptor parses and validates a descriptor document read from path.
// Relative entries are resolved against the directory of path. Every failure
// carries the INVALID_FORMAT code.
func ParseDescriptor(data []byte, path string) (*Descriptor, error) {
	if len(data) == 0 {
		return nil, ErrInvalidFormat(path, fmt.Errorf("descriptor is empty"))
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ErrInvalidFormat(path, fmt.Errorf("invalid YAML: %w", err))
	}

	d, err := doc.Descriptor(filepath.Dir(path))
	if err != nil {
		return nil, ErrInvalidFormat(path, err)
	}
	d.Path = path
	return d, nil
}

// ReadDescriptor locates and parses the descriptor for candidate, which is
// either a plugin directory or the path of a descriptor document.
func ReadDescriptor(candidate string) (*Descriptor, error) {
	path, err := descriptorPath(candidate)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound(path)
		}
		return nil, ErrLoadFailed(path, err)
	}
	return ParseDescriptor(data, path)
}

func descriptorPath(candidate string) (string, error) {
	info, err := os.Stat(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrFileNotFound(candidate)
		}
		return "", ErrLoadFailed(candidate, err)
	}
	if info.IsDir() {
		return filepath.Join(candidate, DescriptorFile), nil
	}
	return candidate, nil
}

// Descriptor validates the document and converts it into a Descriptor.
func (doc *Document) Descriptor(dir string) (*Descriptor, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	version, err := semver.StrictNewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("version %q is not valid semver: %w", doc.Version, err)
	}

	deps := make([]DependencyConstraint, 0, len(doc.Dependencies))
	for i, dep := range doc.Dependencies {
		c, err := dep.constraint()
		if err != nil {
			return nil, fmt.Errorf("dependencies[%d]: %w", i, err)
		}
		deps = append(deps, c)
	}

	entry := doc.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}

	return &Descriptor{
		ID:           doc.ID,
		Version:      version,
		Name:         doc.Name,
		Author:       doc.Author,
		License:      doc.License,
		Runtime:      doc.Runtime,
		Dependencies: deps,
		Capabilities: slices.Clone(doc.Capabilities),
		Defaults:     CloneConfig(doc.Config),
		Entry:        entry,
	}, nil
}

// Validate checks document constraints that do not need version parsing.
func (doc *Document) Validate() error {
	if doc.ID == "" || !idPattern.MatchString(doc.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, '.', '-', and not end with '.' or '-'", doc.ID)
	}
	if len(doc.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(doc.ID))
	}
	if doc.Version == "" {
		return fmt.Errorf("version is required")
	}

	switch doc.Runtime {
	case RuntimeNative, RuntimeProcess, RuntimeLua:
	default:
		return fmt.Errorf("runtime must be 'native', 'process' or 'lua', got %q", doc.Runtime)
	}
	if doc.Entry == "" {
		return fmt.Errorf("entry is required")
	}

	seen := make(map[string]bool, len(doc.Dependencies))
	for i, dep := range doc.Dependencies {
		if dep.ID == doc.ID {
			return fmt.Errorf("dependencies[%d]: plugin %q cannot depend on itself", i, doc.ID)
		}
		if !idPattern.MatchString(dep.ID) {
			return fmt.Errorf("dependencies[%d]: invalid id %q", i, dep.ID)
		}
		if seen[dep.ID] {
			return fmt.Errorf("dependencies[%d]: duplicate dependency %q", i, dep.ID)
		}
		seen[dep.ID] = true
	}

	for i, c := range doc.Capabilities {
		if c == "" {
			return fmt.Errorf("capabilities[%d]: empty capability tag", i)
		}
	}
	return nil
}

func (dep DependencyDoc) constraint() (DependencyConstraint, error) {
	c := DependencyConstraint{ID: dep.ID}
	if dep.MinVersion != "" {
		v, err := semver.StrictNewVersion(dep.MinVersion)
		if err != nil {
			return c, fmt.Errorf("min_version %q is not valid semver: %w", dep.MinVersion, err)
		}
		c.Min = v
	}
	if dep.MaxVersion != "" {
		v, err := semver.StrictNewVersion(dep.MaxVersion)
		if err != nil {
			return c, fmt.Errorf("max_version %q is not valid semver: %w", dep.MaxVersion, err)
		}
		c.Max = v
	}
	if c.Min != nil && c.Max != nil && c.Max.LessThan(c.Min) {
		return c, fmt.Errorf("max_version %s is below min_version %s", c.Max, c.Min)
	}
	return c, nil
}

// CloneConfig deep-copies a configuration tree so that the copy shares no
// maps or slices with the original.
func CloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneConfig(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
