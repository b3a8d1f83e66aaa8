package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// Factory builds a worker from the scope its dependencies populated.
type Factory func(scope *Scope) (Worker, error)

// Dependency is a bootstrap fragment run before the entry factory.
type Dependency func(scope *Scope) error

// BootSpec selects an entry point and the dependencies loaded ahead of it.
type BootSpec struct {
	Entry        string   `json:"entry"`
	ModuleScoped bool     `json:"moduleScoped"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Catalog is the table of entry points and dependency fragments linked into
// a binary. Populate it at start-up; lookups are safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Factory
	deps    map[string]Dependency
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries: make(map[string]Factory),
		deps:    make(map[string]Dependency),
	}
}

// RegisterEntry adds an entry point under name, replacing any previous one.
func (c *Catalog) RegisterEntry(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = f
}

// RegisterDependency adds a dependency fragment under name.
func (c *Catalog) RegisterDependency(name string, d Dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[name] = d
}

// Entries returns the registered entry names, sorted.
func (c *Catalog) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bootstrap runs the dependencies of spec in order and then the entry
// factory. With ModuleScoped each dependency populates its own module;
// otherwise all of them share one namespace and later ones win.
func (c *Catalog) Bootstrap(spec BootSpec) (Worker, error) {
	c.mu.RLock()
	factory, ok := c.entries[spec.Entry]
	deps := make([]Dependency, len(spec.Dependencies))
	for i, name := range spec.Dependencies {
		d, found := c.deps[name]
		if !found {
			c.mu.RUnlock()
			return nil, fmt.Errorf("unknown dependency %q", name)
		}
		deps[i] = d
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown entry %q", spec.Entry)
	}

	scope := newScope()
	for i, d := range deps {
		target := scope
		if spec.ModuleScoped {
			target = scope.addModule(spec.Dependencies[i])
		}
		if err := d(target); err != nil {
			return nil, fmt.Errorf("load dependency %q: %w", spec.Dependencies[i], err)
		}
	}

	w, err := factory(scope)
	if err != nil {
		return nil, fmt.Errorf("start entry %q: %w", spec.Entry, err)
	}
	return w, nil
}

// Envelope encodes spec as a bootstrap envelope.
func (s BootSpec) Envelope(taskTypeName string, workerID int) *envelope.Envelope {
	deps := make([]any, len(s.Dependencies))
	for i, d := range s.Dependencies {
		deps[i] = d
	}
	env := envelope.New(envelope.CommandBootstrap)
	env.TaskTypeName = taskTypeName
	env.WorkerID = workerID
	env.Parameters = map[string]any{
		"entry":        s.Entry,
		"moduleScoped": s.ModuleScoped,
		"dependencies": deps,
	}
	return env
}

// ParseBootSpec decodes a bootstrap envelope.
func ParseBootSpec(env *envelope.Envelope) (BootSpec, error) {
	if env.Command != envelope.CommandBootstrap {
		return BootSpec{}, fmt.Errorf("expected %q, got %q", envelope.CommandBootstrap, env.Command)
	}
	spec := BootSpec{Entry: env.Param("entry")}
	if spec.Entry == "" {
		return BootSpec{}, fmt.Errorf("bootstrap without entry")
	}
	spec.ModuleScoped, _ = env.Parameters["moduleScoped"].(bool)

	raw, _ := env.Parameters["dependencies"].([]any)
	for _, d := range raw {
		name, ok := d.(string)
		if !ok {
			return BootSpec{}, fmt.Errorf("dependency has type %T", d)
		}
		spec.Dependencies = append(spec.Dependencies, name)
	}
	return spec, nil
}
