// Package desktop runs the credential dialog, optionally in an isolated
// session, and replays UI actions that cannot run in isolation once the
// session is over.
//
// A secure session runs the dialog on its own OS thread inside a Desktop
// (memory locked, alternate terminal screen). The only things that cross
// back to the caller are one result value and the session's ordered queue
// of deferred actions. The queue is drained on the caller's goroutine,
// exactly once, in enqueue order.
package desktop

import "fmt"

// State is the controller's lifecycle state
type State string

const (
	// StateIdle means no session is running
	StateIdle State = "idle"
	// StateRunning means the dialog is collecting input
	StateRunning State = "running"
	// StateClosed means the dialog has returned and the desktop is being left
	StateClosed State = "closed"
	// StateDraining means deferred actions are being replayed
	StateDraining State = "draining"
)

var validTransitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StateClosed},
	StateClosed:   {StateDraining, StateIdle},
	StateDraining: {StateIdle},
}

// CanTransition reports whether from -> to is a valid transition
func CanTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid session transition from %s to %s", from, to)
}
