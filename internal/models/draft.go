package models

import (
	"time"

	"github.com/google/uuid"
)

// DraftStatus defines the lifecycle status of a draft session.
// Transitions are monotonic: NOT_STARTED -> IN_PROGRESS -> COMPLETED.
type DraftStatus string

const (
	DraftStatusNotStarted DraftStatus = "NOT_STARTED"
	DraftStatusInProgress DraftStatus = "IN_PROGRESS"
	DraftStatusCompleted  DraftStatus = "COMPLETED"
)

// Team is one fantasy team slot in a draft. DraftPosition is fixed for
// the life of the session and 0-indexed into the first-round order.
type Team struct {
	ID            uuid.UUID `json:"id"`
	OwnerID       uuid.UUID `json:"owner_id"`
	Name          string    `json:"name"`
	DraftPosition int       `json:"draft_position"`
}

// DraftSession represents a scheduled snake draft for a league.
// Teams are ordered by DraftPosition.
type DraftSession struct {
	ID             uuid.UUID   `json:"id"`
	LeagueID       uuid.UUID   `json:"league_id"`
	Status         DraftStatus `json:"status"`
	Teams          []Team      `json:"teams"`
	TimePerPickSec int         `json:"time_per_pick_sec"`
	RosterSize     int         `json:"roster_size"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TotalPicks returns the number of picks required to complete the draft.
func (d *DraftSession) TotalPicks() int {
	return len(d.Teams) * d.RosterSize
}
