package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("generation instance not connected")
	ErrConnectionLost     = errors.New("generation connection lost")
	ErrSubmissionRejected = errors.New("generation backend rejected submission")
	ErrProtocolParse      = errors.New("unparseable backend frame")
	ErrWorkerUnavailable  = errors.New("no eligible worker")
	ErrClaimConflict      = errors.New("job already claimed")
	ErrStaleExecution     = errors.New("execution went stale")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrNotFound           = errors.New("not found")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
