package dataplane

import "fmt"

// State is the engine lifecycle. Transitions only move forward.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateBootstrapped
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateBootstrapped:
		return "bootstrapped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
