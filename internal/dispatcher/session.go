package dispatcher

import (
	"fmt"
	"time"

	"github.com/seantiz/taskdirector/internal/transport"
)

// SessionState is the lifecycle state of a worker session.
type SessionState int

const (
	StateSpawning SessionState = iota
	StateAwaitingInit
	StateIdle
	StateBusy
	StateTerminated
)

var stateNames = [...]string{
	StateSpawning:     "spawning",
	StateAwaitingInit: "awaiting_init",
	StateIdle:         "idle",
	StateBusy:         "busy",
	StateTerminated:   "terminated",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
	return stateNames[s]
}

// validTransitions lists the states reachable from each state. Terminated is
// reachable from everywhere and handled separately.
var validTransitions = map[SessionState][]SessionState{
	StateSpawning:     {StateAwaitingInit},
	StateAwaitingInit: {StateIdle},
	StateIdle:         {StateBusy},
	StateBusy:         {StateIdle},
}

// ValidTransition reports whether a session may move from one state to another.
func ValidTransition(from, to SessionState) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session is the coordinator's handle on one execution context. It is only
// touched by the coordinator goroutine.
type session struct {
	id    int
	tt    *taskType
	state SessionState
	ctx   transport.Context

	// item is the work item assigned while Busy.
	item *workItem

	// batches are the InitializeTaskType calls waiting for this session.
	batches   []*initBatch
	initStart time.Time
}

// setState moves s to state, keeping the session gauges current.
func (s *session) setState(to SessionState) error {
	if !ValidTransition(s.state, to) {
		return fmt.Errorf("%w: session %s/%d cannot go from %s to %s",
			ErrProtocolViolation, s.tt.desc.Name, s.id, s.state, to)
	}
	sessionsByState.WithLabelValues(s.tt.desc.Name, s.state.String()).Dec()
	if to != StateTerminated {
		sessionsByState.WithLabelValues(s.tt.desc.Name, to.String()).Inc()
	}
	s.state = to
	return nil
}

// initialized reports whether the handshake has completed.
func (s *session) initialized() bool {
	return s.state == StateIdle || s.state == StateBusy
}

// starting reports whether the session has yet to complete its handshake.
func (s *session) starting() bool {
	return s.state == StateSpawning || s.state == StateAwaitingInit
}
