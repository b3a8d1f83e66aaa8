package dispatcher

import (
	"errors"
	"slices"

	"github.com/seantiz/taskdirector/internal/worker"
)

// DefaultMaxParallelExecutions caps a pool when neither the descriptor nor
// WithDefaultMaxParallel sets a size.
const DefaultMaxParallelExecutions = 4

// Descriptor defines a task type. It is copied at registration and never
// changes afterwards.
type Descriptor struct {
	Name string `json:"name" toml:"name"`
	// Entry selects the worker implementation; it defaults to Name.
	Entry        string   `json:"entry,omitempty" toml:"entry"`
	ModuleScoped bool     `json:"module_scoped" toml:"module_scoped"`
	Dependencies []string `json:"dependencies,omitempty" toml:"dependencies"`

	MaxParallelExecutions int `json:"max_parallel_executions" toml:"max_parallel_executions"`
	// InitialExecutions is how many sessions InitializeTaskType brings up.
	// It defaults to MaxParallelExecutions.
	InitialExecutions int `json:"initial_executions" toml:"initial_executions"`
}

// normalize validates d and fills in defaults. defaultMax sizes a pool the
// descriptor leaves unset.
func (d Descriptor) normalize(defaultMax int) (Descriptor, error) {
	if d.Name == "" {
		return Descriptor{}, errors.New("task type name is required")
	}
	if d.Entry == "" {
		d.Entry = d.Name
	}
	if d.MaxParallelExecutions < 0 || d.InitialExecutions < 0 {
		return Descriptor{}, errors.New("execution counts must not be negative")
	}
	if d.MaxParallelExecutions == 0 {
		d.MaxParallelExecutions = defaultMax
	}
	if d.InitialExecutions == 0 || d.InitialExecutions > d.MaxParallelExecutions {
		d.InitialExecutions = d.MaxParallelExecutions
	}
	d.Dependencies = slices.Clone(d.Dependencies)
	return d, nil
}

// BootSpec returns the bootstrap loaded by every context of the task type.
func (d Descriptor) BootSpec() worker.BootSpec {
	return worker.BootSpec{
		Entry:        d.Entry,
		ModuleScoped: d.ModuleScoped,
		Dependencies: slices.Clone(d.Dependencies),
	}
}
