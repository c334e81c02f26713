package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is an executable capability exposed over tools/call. Execute receives
// the request context; long-running tools must honor cancellation.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (*CallToolResult, error)
}

// ToolFunc adapts a function into a Tool.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any) (*CallToolResult, error)
}

func (t *ToolFunc) Name() string        { return t.ToolName }
func (t *ToolFunc) Description() string { return t.ToolDescription }

func (t *ToolFunc) InputSchema() map[string]any {
	if t.Schema == nil {
		return map[string]any{"type": "object"}
	}
	return t.Schema
}

func (t *ToolFunc) Execute(ctx context.Context, args map[string]any) (*CallToolResult, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry holds the tools this server exposes. Registration happens at
// startup; lookups are concurrent.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name()]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns descriptors for the named tools, in the given order.
func (r *ToolRegistry) Describe(names []string) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		descriptors = append(descriptors, ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return descriptors
}

// Resource is a readable document exposed over resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string

	// Read produces the resource contents. Static resources can use
	// StaticResource instead of providing Read directly.
	Read func(ctx context.Context) ([]ResourceContents, error)
}

// StaticResource builds a resource with fixed text content.
func StaticResource(uri, name, mimeType, text string) Resource {
	return Resource{
		URI:      uri,
		Name:     name,
		MimeType: mimeType,
		Read: func(context.Context) ([]ResourceContents, error) {
			return []ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}, nil
		},
	}
}

// ResourceRegistry holds the resources this server exposes.
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]Resource
	order     []string
}

// NewResourceRegistry creates an empty resource registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{resources: make(map[string]Resource)}
}

// Register adds a resource keyed by URI.
func (r *ResourceRegistry) Register(res Resource) error {
	if res.URI == "" || res.Read == nil {
		return fmt.Errorf("resource needs a URI and a Read function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[res.URI]; ok {
		return fmt.Errorf("resource %q already registered", res.URI)
	}
	r.resources[res.URI] = res
	r.order = append(r.order, res.URI)
	return nil
}

// Get looks up a resource by URI.
func (r *ResourceRegistry) Get(uri string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	return res, ok
}

// List returns descriptors in registration order.
func (r *ResourceRegistry) List() []ResourceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]ResourceDescriptor, 0, len(r.order))
	for _, uri := range r.order {
		res := r.resources[uri]
		descriptors = append(descriptors, ResourceDescriptor{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}
	return descriptors
}

// Prompt is a parameterized message template exposed over prompts/get.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument

	// Render produces the prompt messages for the given arguments.
	Render func(args map[string]string) (*PromptsGetResult, error)
}

// PromptRegistry holds the prompts this server exposes.
type PromptRegistry struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
	order   []string
}

// NewPromptRegistry creates an empty prompt registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]Prompt)}
}

// Register adds a prompt.
func (r *PromptRegistry) Register(p Prompt) error {
	if p.Name == "" || p.Render == nil {
		return fmt.Errorf("prompt needs a name and a Render function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[p.Name]; ok {
		return fmt.Errorf("prompt %q already registered", p.Name)
	}
	r.prompts[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

// Get looks up a prompt by name.
func (r *PromptRegistry) Get(name string) (Prompt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prompts[name]
	return p, ok
}

// List returns descriptors in registration order.
func (r *PromptRegistry) List() []PromptDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]PromptDescriptor, 0, len(r.order))
	for _, name := range r.order {
		p := r.prompts[name]
		descriptors = append(descriptors, PromptDescriptor{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	return descriptors
}
