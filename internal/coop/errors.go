package coop

import (
	"errors"
	"fmt"
)

// Error categories. Callers discriminate with errors.Is against these;
// the specific causes below wrap them.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrExpired    = errors.New("invitation expired")

	// ErrTransport marks channel-level failures. It is absorbed inside the
	// connection manager and never surfaces to callers; it exists so internal
	// logging can classify the failure.
	ErrTransport = errors.New("transport unavailable")
)

var (
	ErrNoInvitees       = fmt.Errorf("%w: invitation needs at least one invitee", ErrValidation)
	ErrSelfInvite       = fmt.Errorf("%w: inviter cannot invite themselves", ErrValidation)
	ErrTooManyInvitees  = fmt.Errorf("%w: more than %d invitees selected", ErrConflict, MaxInvitees)
	ErrInvitationClosed = fmt.Errorf("%w: invitation is terminal", ErrConflict)
	ErrNoActiveRun      = fmt.Errorf("%w: no quest run is being tracked", ErrNotFound)
)
