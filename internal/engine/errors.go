package engine

import (
	"errors"
	"fmt"

	"calsync/internal/model"
)

var (
	ErrSyncInProgress = errors.New("engine: sync already running")
	ErrCancelled      = errors.New("engine: sync cancelled")
	ErrBackingOff     = errors.New("engine: calendar is backing off after a failed sync")
	ErrNotSynced      = errors.New("engine: calendar is not synced")
	// ErrMutationClaimed means another submitter owns the pending mutation.
	ErrMutationClaimed = errors.New("engine: pending mutation is claimed by another submitter")
)

// ConflictError reports a mutation rejected because the remote copy changed
// since the local snapshot was taken. The local store already holds Remote.
// Remote is nil when the event no longer exists remotely.
type ConflictError struct {
	EventID string
	Local   *model.Event
	Remote  *model.Event
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on event %s: %v", e.EventID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// MutationError is a terminal mutation failure. The pending mutation has
// been discarded and the local optimistic change rolled back.
type MutationError struct {
	Kind     model.MutationKind
	EventID  string
	Attempts int
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s event %s failed after %d attempt(s): %v", e.Kind, e.EventID, e.Attempts, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
