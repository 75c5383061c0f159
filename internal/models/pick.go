package models

import (
	"time"

	"github.com/google/uuid"
)

// Pick is one committed (team, player) assignment. Picks are append-only
// and immutable once committed; PickNumber is dense and 1-indexed across
// the whole session.
type Pick struct {
	PlayerID   uuid.UUID `json:"player_id"`
	TeamID     uuid.UUID `json:"team_id"`
	Round      int       `json:"round"`
	PickNumber int       `json:"pick_number"`
	PickedAt   time.Time `json:"picked_at"`
}
