package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/taskdirector/internal/dispatcher"
)

// TaskConfig is one task type declared in the tasks file.
type TaskConfig struct {
	Descriptor dispatcher.Descriptor
	// Initialize asks for the pool to be brought up at start.
	Initialize bool
}

type tasksFile struct {
	Task []taskEntry `toml:"task"`
}

type taskEntry struct {
	dispatcher.Descriptor
	Initialize bool `toml:"initialize"`
}

// LoadTasks reads the task types declared in a TOML file:
//
//	[[task]]
//	name = "digest"
//	dependencies = ["sha256"]
//	max_parallel_executions = 2
//	initialize = true
//
// Pool sizes left unset are filled in at registration.
func LoadTasks(path string) ([]TaskConfig, error) {
	var raw tasksFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load tasks file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load tasks file: unknown key %q", undecoded[0].String())
	}

	seen := make(map[string]bool, len(raw.Task))
	tasks := make([]TaskConfig, 0, len(raw.Task))
	for i, e := range raw.Task {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			return nil, fmt.Errorf("task %d: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("task %q declared twice", e.Name)
		}
		seen[e.Name] = true
		tasks = append(tasks, TaskConfig{Descriptor: e.Descriptor, Initialize: e.Initialize})
	}
	return tasks, nil
}
