// Package session implements PostgreSQL-compatible session configuration:
// a process-wide immutable registry of recognized parameters (GUCs) and a
// per-connection, transaction-aware state layered on top of it.
package session

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Context restricts when a setting may be changed, mirroring pg_settings.context.
type Context string

const (
	ContextInternal         Context = "internal"
	ContextPostmaster       Context = "postmaster"
	ContextSighup           Context = "sighup"
	ContextSuperuserBackend Context = "superuser-backend"
	ContextBackend          Context = "backend"
	ContextSuperuser        Context = "superuser"
	ContextUser             Context = "user"
)

// VarType is the declared value type of a setting, mirroring pg_settings.vartype.
type VarType string

const (
	VarTypeBool    VarType = "bool"
	VarTypeInteger VarType = "integer"
	VarTypeReal    VarType = "real"
	VarTypeEnum    VarType = "enum"
	VarTypeString  VarType = "string"
)

// Setting describes one configuration parameter. Namespace-less settings are
// core PostgreSQL parameters; settings with an Extension are gateway
// extensions. Settings are immutable once registered.
type Setting struct {
	Extension      string   `yaml:"extension"`
	Name           string   `yaml:"name"`
	Category       string   `yaml:"category"`
	ShortDesc      string   `yaml:"short_desc"`
	Unit           string   `yaml:"unit"`
	Context        Context  `yaml:"context"`
	VarType        VarType  `yaml:"vartype"`
	MinVal         string   `yaml:"min_val"`
	MaxVal         string   `yaml:"max_val"`
	EnumVals       []string `yaml:"enumvals"`
	BootVal        *string  `yaml:"boot_val"`
	ResetVal       *string  `yaml:"reset_val"`
	Source         string   `yaml:"source"`
	PendingRestart bool     `yaml:"pending_restart"`
}

// QualifiedName returns extension.name, or just name for core settings.
func (s *Setting) QualifiedName() string {
	if s.Extension != "" {
		return s.Extension + "." + s.Name
	}
	return s.Name
}

// DefaultValue is the value a setting reverts to when no session or
// transaction layer holds an entry: the reset value, falling back to the boot
// value. May be nil for settings with no default (e.g. application_name).
func (s *Setting) DefaultValue() *string {
	if s.ResetVal != nil {
		return s.ResetVal
	}
	return s.BootVal
}

// Registry is the full catalog of recognized settings. It is built once at
// startup and never mutated afterwards, so it is safe for unsynchronized
// concurrent reads from all connections.
type Registry struct {
	settings map[string]Setting // keyed by lower-cased qualified name
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry parsed from the embedded
// catalog. It panics on a corrupt catalog, which is a build defect.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		var doc struct {
			Settings []Setting `yaml:"settings"`
		}
		if err := yaml.Unmarshal(catalogYAML, &doc); err != nil {
			panic(fmt.Sprintf("session: parsing embedded settings catalog: %v", err))
		}
		defaultRegistry = NewRegistry(doc.Settings)
	})
	return defaultRegistry
}

// NewRegistry builds a registry from an explicit list of settings. Tests use
// this to inject override tables instead of mutating the default registry.
func NewRegistry(settings []Setting) *Registry {
	m := make(map[string]Setting, len(settings))
	for _, s := range settings {
		m[registryKey(s.Extension, s.Name)] = s
	}
	return &Registry{settings: m}
}

// Lookup finds a setting by namespace and name, case-insensitively.
func (r *Registry) Lookup(extension, name string) (Setting, bool) {
	s, ok := r.settings[registryKey(extension, name)]
	return s, ok
}

// Len returns the number of registered settings.
func (r *Registry) Len() int {
	return len(r.settings)
}

// All returns every registered setting sorted by qualified name.
func (r *Registry) All() []Setting {
	out := make([]Setting, 0, len(r.settings))
	for _, s := range r.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// registryKey normalizes a (namespace, name) pair for lookup. GUC names are
// case-insensitive even though some display names are mixed case (TimeZone).
func registryKey(extension, name string) string {
	if extension != "" {
		return strings.ToLower(extension) + "." + strings.ToLower(name)
	}
	return strings.ToLower(name)
}
