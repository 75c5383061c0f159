// Package engine holds the pure draft state machine: serpentine turn
// order, pick validation and state advancement. It performs no I/O; all
// synchronization is the caller's responsibility.
package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/huddlehq/draftroom/internal/models"
)

// CurrentPick describes the pick currently on the clock.
type CurrentPick struct {
	TeamID           uuid.UUID `json:"team_id"`
	Round            int       `json:"round"`
	PickNumber       int       `json:"pick_number"`
	TimeRemainingSec int       `json:"time_remaining_sec"`
}

// State is the in-memory draft state a room operates on. It mirrors the
// durable session and pick sequence; Picks never contains a pick that
// has not been durably committed first.
type State struct {
	Session models.DraftSession
	Picks   []models.Pick
	Current *CurrentPick
	Version uint64
}

// NewState rebuilds draft state from the durable session and committed
// picks. Teams are sorted by draft position. The clock for the pick on
// deck restarts at the full per-pick allowance.
func NewState(session models.DraftSession, picks []models.Pick) *State {
	sort.Slice(session.Teams, func(i, j int) bool {
		return session.Teams[i].DraftPosition < session.Teams[j].DraftPosition
	})

	s := &State{
		Session: session,
		Picks:   picks,
		Version: uint64(len(picks)),
	}
	if session.Status == models.DraftStatusInProgress {
		s.Current = s.currentPickFor(len(picks) + 1)
	}
	return s
}

// Round returns the 1-indexed round for overall pick number p with
// teamCount teams.
func Round(p, teamCount int) int {
	return (p + teamCount - 1) / teamCount
}

// TeamIndex returns the 0-indexed draft position on the clock for
// overall pick number p. Odd rounds run ascending, even rounds reverse.
func TeamIndex(p, teamCount int) int {
	indexInRound := (p - 1) % teamCount
	if Round(p, teamCount)%2 == 1 {
		return indexInRound
	}
	return teamCount - 1 - indexInRound
}

// TeamOnClock resolves the team holding overall pick number p.
func (s *State) TeamOnClock(p int) models.Team {
	return s.Session.Teams[TeamIndex(p, len(s.Session.Teams))]
}

// ValidatePick checks a proposed pick against the current state and, if
// valid, returns the pick to commit. The state is not modified.
// Check order: draft active, requester on the clock, player available.
func (s *State) ValidatePick(requesterID, playerID uuid.UUID, now time.Time) (models.Pick, error) {
	if s.Session.Status != models.DraftStatusInProgress {
		return models.Pick{}, ErrDraftInactive
	}

	p := len(s.Picks) + 1
	expected := s.TeamOnClock(p)
	if expected.OwnerID != requesterID {
		return models.Pick{}, ErrNotYourTurn
	}

	for _, pick := range s.Picks {
		if pick.PlayerID == playerID {
			return models.Pick{}, ErrPlayerUnavailable
		}
	}

	return models.Pick{
		PlayerID:   playerID,
		TeamID:     expected.ID,
		Round:      Round(p, len(s.Session.Teams)),
		PickNumber: p,
		PickedAt:   now,
	}, nil
}

// ApplyPick appends a committed pick and advances the state: either the
// next pick goes on the clock with a fresh time allowance, or the draft
// completes. Completed reports whether this pick finished the draft.
func (s *State) ApplyPick(pick models.Pick) (completed bool) {
	s.Picks = append(s.Picks, pick)
	s.Version++

	next := pick.PickNumber + 1
	if next > s.Session.TotalPicks() {
		s.Session.Status = models.DraftStatusCompleted
		s.Current = nil
		return true
	}

	s.Current = s.currentPickFor(next)
	return false
}

// Start transitions a not-started draft to IN_PROGRESS and puts the
// first pick on the clock. It is a no-op for any other status.
func (s *State) Start() bool {
	if s.Session.Status != models.DraftStatusNotStarted {
		return false
	}
	s.Session.Status = models.DraftStatusInProgress
	s.Current = s.currentPickFor(len(s.Picks) + 1)
	s.Version++
	return true
}

func (s *State) currentPickFor(p int) *CurrentPick {
	team := s.TeamOnClock(p)
	return &CurrentPick{
		TeamID:           team.ID,
		Round:            Round(p, len(s.Session.Teams)),
		PickNumber:       p,
		TimeRemainingSec: s.Session.TimePerPickSec,
	}
}
