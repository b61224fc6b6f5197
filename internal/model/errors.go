package model

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrDuplicateTask        = errors.New("task already exists")
	ErrInvalidTransition    = errors.New("invalid task transition")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrClientNotRegistered  = errors.New("client not registered")
	ErrDeliveryOverflow     = errors.New("delivery queue full")
	ErrInvalidAddress       = errors.New("notification targets both a client and a group")
)

// TransitionError describes a rejected state machine move
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("task %s: cannot move from %s to %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NotFound wraps ErrTaskNotFound with the task id
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Duplicate wraps ErrDuplicateTask with the task id
func Duplicate(id string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
}
