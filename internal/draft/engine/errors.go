package engine

import "errors"

var (
	// ErrDraftInactive is returned when a pick is attempted against a
	// draft whose status is not IN_PROGRESS.
	ErrDraftInactive = errors.New("draft is not in progress")

	// ErrNotYourTurn is returned when the requester does not own the
	// team currently on the clock.
	ErrNotYourTurn = errors.New("not your turn to pick")

	// ErrPlayerUnavailable is returned when the player has already been
	// drafted in this session.
	ErrPlayerUnavailable = errors.New("player is no longer available")
)
