// Package events defines the realtime wire protocol: a closed set of
// inbound client commands and a closed set of outbound room events.
// Handlers dispatch on the tag exhaustively; unknown tags are errors.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/models"
)

// CommandType tags inbound client -> server messages.
type CommandType string

const (
	CommandDraftJoin    CommandType = "draft:join"
	CommandDraftPick    CommandType = "draft:pick"
	CommandLiveJoin     CommandType = "live:join"
	CommandActivityJoin CommandType = "activity:join"
)

// Command is the envelope for all inbound messages.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type DraftJoinPayload struct {
	DraftID uuid.UUID `json:"draft_id"`
}

type DraftPickPayload struct {
	DraftID  uuid.UUID `json:"draft_id"`
	PlayerID uuid.UUID `json:"player_id"`
}

type LiveJoinPayload struct {
	LeagueID uuid.UUID `json:"league_id"`
	Week     int       `json:"week"`
}

type ActivityJoinPayload struct {
	LeagueID uuid.UUID `json:"league_id"`
}

// ParseCommand decodes a command payload into its concrete type.
func ParseCommand(cmd Command) (interface{}, error) {
	switch cmd.Type {
	case CommandDraftJoin:
		var p DraftJoinPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cmd.Type, err)
		}
		return p, nil

	case CommandDraftPick:
		var p DraftPickPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cmd.Type, err)
		}
		return p, nil

	case CommandLiveJoin:
		var p LiveJoinPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cmd.Type, err)
		}
		return p, nil

	case CommandActivityJoin:
		var p ActivityJoinPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", cmd.Type, err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown command type: %q", cmd.Type)
	}
}

// EventType tags outbound server -> client messages.
type EventType string

const (
	EventDraftJoined       EventType = "draft:joined"
	EventDraftStarted      EventType = "draft:started"
	EventParticipantJoined EventType = "draft:participant-joined"
	EventParticipantLeft   EventType = "draft:participant-left"
	EventPickMade          EventType = "draft:pick-made"
	EventTimerTick         EventType = "draft:timer-tick"
	EventDraftError        EventType = "draft:error"
)

// Event is the envelope for all outbound messages.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// JoinedPayload is the full state snapshot sent only to a joining
// connection. Clients resynchronize from this, never from replayed
// events.
type JoinedPayload struct {
	DraftID      uuid.UUID           `json:"draft_id"`
	LeagueID     uuid.UUID           `json:"league_id"`
	Status       models.DraftStatus  `json:"status"`
	Teams        []models.Team       `json:"teams"`
	Picks        []models.Pick       `json:"picks"`
	Participants []uuid.UUID         `json:"participants"`
	CurrentPick  *engine.CurrentPick `json:"current_pick,omitempty"`
	Version      uint64              `json:"version"`
}

// DraftStartedPayload announces the NOT_STARTED to IN_PROGRESS
// transition and the first pick on the clock.
type DraftStartedPayload struct {
	Status      models.DraftStatus  `json:"status"`
	CurrentPick *engine.CurrentPick `json:"current_pick"`
	Version     uint64              `json:"version"`
}

type ParticipantJoinedPayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username,omitempty"`
}

type ParticipantLeftPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type PickMadePayload struct {
	Pick        models.Pick         `json:"pick"`
	CurrentPick *engine.CurrentPick `json:"current_pick,omitempty"`
	TotalPicks  int                 `json:"total_picks"`
	Version     uint64              `json:"version"`
}

type TimerTickPayload struct {
	TimeRemainingSec int                 `json:"time_remaining_sec"`
	CurrentPick      *engine.CurrentPick `json:"current_pick"`
}

// ErrorPayload is sent only to the requesting connection, never
// broadcast.
type ErrorPayload struct {
	Message string `json:"message"`
}

// New builds an outbound event envelope around a payload.
func New(eventType EventType, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}
