package room

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/draft/events"
	"github.com/huddlehq/draftroom/internal/models"
)

// Room is the live, in-memory state for one draft. It is a cache over
// durable storage, never authoritative: every pick in state.Picks has
// already been durably committed.
//
// All mutation goes through mu, which doubles as the per-draft pick
// serializer: validate, persist and apply execute as one critical
// section, so two concurrent pick attempts on the same draft can never
// both succeed. Rooms for different drafts share nothing.
type Room struct {
	draftID uuid.UUID

	mu    sync.Mutex
	state *engine.State
	// participants maps user id -> number of live connections.
	participants map[uuid.UUID]int
	// emptySince is the instant the last participant left; zero while
	// the room is occupied.
	emptySince time.Time
	// evicted marks a room the sweeper has removed from the registry.
	// A caller still holding a reference must retry its lookup instead
	// of mutating the orphan.
	evicted bool

	stopTimer chan struct{}
}

func newRoom(draftID uuid.UUID, state *engine.State) *Room {
	return &Room{
		draftID:      draftID,
		state:        state,
		participants: make(map[uuid.UUID]int),
		stopTimer:    make(chan struct{}),
	}
}

// DraftID returns the draft this room serves.
func (rm *Room) DraftID() uuid.UUID {
	return rm.draftID
}

// snapshot builds the full-state join payload. Callers must hold mu so
// no observer sees a state mixing pre- and post-commit fields.
func (rm *Room) snapshot() events.JoinedPayload {
	participants := make([]uuid.UUID, 0, len(rm.participants))
	for userID := range rm.participants {
		participants = append(participants, userID)
	}

	var current *engine.CurrentPick
	if rm.state.Current != nil {
		c := *rm.state.Current
		current = &c
	}

	return events.JoinedPayload{
		DraftID:      rm.draftID,
		LeagueID:     rm.state.Session.LeagueID,
		Status:       rm.state.Session.Status,
		Teams:        append([]models.Team(nil), rm.state.Session.Teams...),
		Picks:        append([]models.Pick(nil), rm.state.Picks...),
		Participants: participants,
		CurrentPick:  current,
		Version:      rm.state.Version,
	}
}
