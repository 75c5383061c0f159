package room

import "errors"

var (
	// ErrAccessDenied is returned when an authenticated user owns no
	// team in the draft's league.
	ErrAccessDenied = errors.New("access denied")

	// ErrInternal covers persistence failures, storage timeouts and
	// anything else the requester should only see as a generic failure.
	ErrInternal = errors.New("internal error")
)
