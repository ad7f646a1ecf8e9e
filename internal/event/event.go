// Package event carries transfer lifecycle notifications from the orchestrator
// to whatever front end is attached: console bars, log sinks, or nothing.
// Events never participate in control flow.
package event

import "fmt"

// Role tags which side of the transfer raised an event.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// State names a point in a transfer's lifecycle.
type State string

const (
	StateStarted   State = "started"
	StateProgress  State = "progress"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateFileNames State = "file-names"
)

// Event is a single notification. Only the fields relevant to the state are
// populated: Processed/Total/Speed for progress, Message for failed,
// FileNames for file-names.
type Event struct {
	State     State
	Role      Role
	Processed uint64
	Total     uint64
	Speed     float64
	Message   string
	FileNames []string
}

// Name returns the routing key: transfer:<role>:<state>.
func (e Event) Name() string {
	return fmt.Sprintf("transfer:%s:%s", e.Role, e.State)
}

func Started(role Role) Event {
	return Event{State: StateStarted, Role: role}
}

func Progress(role Role, processed, total uint64, speed float64) Event {
	return Event{State: StateProgress, Role: role, Processed: processed, Total: total, Speed: speed}
}

func Completed(role Role) Event {
	return Event{State: StateCompleted, Role: role}
}

func Failed(role Role, message string) Event {
	return Event{State: StateFailed, Role: role, Message: message}
}

func FileNames(role Role, names []string) Event {
	return Event{State: StateFileNames, Role: role, FileNames: names}
}
