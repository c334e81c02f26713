package scope

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AdminScope grants every tool unconditionally.
const AdminScope = "admin"

// Definition describes one scope: the tool name patterns it grants and
// whether calls under it require a verified second factor.
type Definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
	RequireMFA  bool     `yaml:"require_mfa"`
}

// Manager evaluates tool access against a fixed set of scope definitions.
// Definitions are immutable after construction, so lookups need no locking.
type Manager struct {
	definitions map[string]Definition
}

// NewManager builds a manager from scope definitions. Duplicate names are
// rejected.
func NewManager(defs []Definition) (*Manager, error) {
	m := &Manager{definitions: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("scope definition with empty name")
		}
		if _, ok := m.definitions[def.Name]; ok {
			return nil, fmt.Errorf("duplicate scope definition %q", def.Name)
		}
		for _, pattern := range def.Tools {
			if err := validatePattern(pattern); err != nil {
				return nil, fmt.Errorf("scope %q: %w", def.Name, err)
			}
		}
		m.definitions[def.Name] = def
	}
	return m, nil
}

// LoadDefinitions reads scope definitions from a YAML file.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope config: %w", err)
	}
	var file struct {
		Scopes []Definition `yaml:"scopes"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scope config: %w", err)
	}
	return file.Scopes, nil
}

// LoadFile reads scope definitions from a YAML file and builds a manager.
func LoadFile(path string) (*Manager, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	return NewManager(defs)
}

// DefaultDefinitions is a starter scope set for development deployments.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "mcp:tools:read", Description: "Read-only tools", Tools: []string{"search", "fetch", "list_*"}},
		{Name: "mcp:tools:write", Description: "Mutating tools", Tools: []string{"create_*", "update_*", "delete_*"}, RequireMFA: true},
		{Name: AdminScope, Description: "All tools"},
	}
}

// Known reports whether the scope name has a definition. The admin scope is
// always known.
func (m *Manager) Known(scope string) bool {
	if scope == AdminScope {
		return true
	}
	_, ok := m.definitions[scope]
	return ok
}

// Names returns all defined scope names, sorted, for server metadata.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.definitions)+1)
	for name := range m.definitions {
		names = append(names, name)
	}
	if _, ok := m.definitions[AdminScope]; !ok {
		names = append(names, AdminScope)
	}
	sort.Strings(names)
	return names
}

// CanExecuteTool reports whether any of the granted scopes allows the named
// tool. Unknown scopes grant nothing.
func (m *Manager) CanExecuteTool(grantedScopes []string, tool string) bool {
	for _, name := range grantedScopes {
		if name == AdminScope {
			return true
		}
		def, ok := m.definitions[name]
		if !ok {
			continue
		}
		for _, pattern := range def.Tools {
			if matchTool(pattern, tool) {
				return true
			}
		}
	}
	return false
}

// RequiresMFA reports whether calling the named tool under the granted
// scopes demands a verified second factor. The strictest applicable scope
// wins: if any scope that grants the tool requires MFA, the call does.
// The admin scope does not waive another scope's MFA requirement, but admin
// alone grants without one.
func (m *Manager) RequiresMFA(grantedScopes []string, tool string) bool {
	grantsWithoutMFA := false
	requires := false
	for _, name := range grantedScopes {
		if name == AdminScope {
			grantsWithoutMFA = true
			continue
		}
		def, ok := m.definitions[name]
		if !ok {
			continue
		}
		for _, pattern := range def.Tools {
			if matchTool(pattern, tool) {
				if def.RequireMFA {
					requires = true
				} else {
					grantsWithoutMFA = true
				}
				break
			}
		}
	}
	return requires && !grantsWithoutMFA
}

// AccessibleTools filters the candidate tool names down to those the
// granted scopes allow, preserving order.
func (m *Manager) AccessibleTools(grantedScopes []string, tools []string) []string {
	accessible := make([]string, 0, len(tools))
	for _, tool := range tools {
		if m.CanExecuteTool(grantedScopes, tool) {
			accessible = append(accessible, tool)
		}
	}
	return accessible
}

// validatePattern accepts exact tool names and prefix patterns with a
// single trailing '*'.
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty tool pattern")
	}
	if i := strings.IndexByte(pattern, '*'); i >= 0 && i != len(pattern)-1 {
		return fmt.Errorf("tool pattern %q: '*' is only valid as a trailing wildcard", pattern)
	}
	return nil
}

func matchTool(pattern, tool string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(tool, pattern[:len(pattern)-1])
	}
	return pattern == tool
}
