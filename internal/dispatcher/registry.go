package dispatcher

import (
	"sort"

	"github.com/seantiz/taskdirector/internal/envelope"
)

// taskType is the registry entry of one task type: its descriptor, its pool
// of sessions and its execution queue.
type taskType struct {
	desc     Descriptor
	sessions []*session
	queue    *executionQueue

	// initPayload is the template posted to every new session. Each session
	// gets its own copy.
	initPayload  *envelope.Envelope
	nextWorkerID int

	// unmatched counts envelopes from this type's workers that no handler took.
	unmatched int
}

// idle returns the first idle session, in spawn order.
func (t *taskType) idle() *session {
	for _, s := range t.sessions {
		if s.state == StateIdle {
			return s
		}
	}
	return nil
}

// starting counts sessions that have not completed their handshake.
func (t *taskType) starting() int {
	n := 0
	for _, s := range t.sessions {
		if s.starting() {
			n++
		}
	}
	return n
}

func (t *taskType) remove(s *session) {
	for i, cur := range t.sessions {
		if cur == s {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			return
		}
	}
}

// initEnvelope builds the init message for a new session.
func (t *taskType) initEnvelope(workerID int) *envelope.Envelope {
	env := envelope.New(envelope.CommandInit)
	if t.initPayload != nil {
		env = t.initPayload.Clone()
		env.Command = envelope.CommandInit
	}
	env.TaskTypeName = t.desc.Name
	env.WorkerID = workerID
	return env
}

// registry maps task type names to their entries. It is owned by the
// coordinator goroutine.
type registry struct {
	types map[string]*taskType
}

func newRegistry() *registry {
	return &registry{types: make(map[string]*taskType)}
}

func (r *registry) register(desc Descriptor) error {
	if _, ok := r.types[desc.Name]; ok {
		return ErrAlreadyRegistered
	}
	r.types[desc.Name] = &taskType{
		desc:  desc,
		queue: newExecutionQueue(desc.Name),
	}
	return nil
}

func (r *registry) get(name string) (*taskType, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, ErrUnknownTaskType
	}
	return t, nil
}

// sorted returns all entries ordered by name.
func (r *registry) sorted() []*taskType {
	out := make([]*taskType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].desc.Name < out[j].desc.Name
	})
	return out
}

func (r *registry) clear() {
	r.types = make(map[string]*taskType)
}

// TaskTypeInfo is a point-in-time view of one task type.
type TaskTypeInfo struct {
	Descriptor  Descriptor     `json:"descriptor"`
	Initialized bool           `json:"initialized"`
	Sessions    map[string]int `json:"sessions"`
	Queued      int            `json:"queued"`
	// Unmatched counts worker envelopes whose command the coordinator ignored.
	Unmatched int `json:"unmatched"`
}

// Busy returns the number of busy sessions.
func (i TaskTypeInfo) Busy() int { return i.Sessions[StateBusy.String()] }

func (t *taskType) info() TaskTypeInfo {
	info := TaskTypeInfo{
		Descriptor:  t.desc,
		Initialized: t.initPayload != nil,
		Sessions:    make(map[string]int),
		Queued:      t.queue.len(),
		Unmatched:   t.unmatched,
	}
	for _, s := range t.sessions {
		info.Sessions[s.state.String()]++
	}
	return info
}
