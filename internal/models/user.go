package models

import "github.com/google/uuid"

// User is the owner identity behind one or more fantasy teams.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}
