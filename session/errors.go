package session

import "errors"

var (
	// ErrInvalidTransition is returned when a state change skips or reverses a step of the
	// connection state progression.
	ErrInvalidTransition = errors.New("invalid state transition")
)

var (
	// ErrTaskManagerStopped is returned when a task is started after the manager was stopped.
	ErrTaskManagerStopped = errors.New("task manager already stopped")

	// ErrTaskExists is returned when an interval task with the same name is already running.
	ErrTaskExists = errors.New("task already exists")
)
