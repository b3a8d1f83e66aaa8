// Package dispatcher runs named task types on bounded pools of isolated
// execution contexts.
//
// A Dispatcher owns a registry of task types. Each task type has a pool of
// worker sessions, grown lazily up to its MaxParallelExecutions, and a FIFO
// execution queue for work that finds no idle session. Every session runs a
// one-time init handshake before it accepts work.
//
// All bookkeeping happens on a single coordinator goroutine. Public methods
// and session transports talk to it through channels, so none of the
// registry, queue or session state is guarded by locks.
package dispatcher
