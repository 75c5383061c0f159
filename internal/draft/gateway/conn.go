package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/auth"
	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/draft/events"
	"github.com/huddlehq/draftroom/internal/draft/repository"
	"github.com/huddlehq/draftroom/internal/draft/room"
)

// RoomService is what a connection needs from the room registry.
type RoomService interface {
	Join(ctx context.Context, draftID uuid.UUID, identity auth.Identity) (events.JoinedPayload, error)
	SubmitPick(ctx context.Context, draftID, requesterID, playerID uuid.UUID) error
	Leave(draftID, userID uuid.UUID)
}

// Conn is one authenticated websocket connection. Identity is resolved
// before the connection exists; commands never carry credentials.
type Conn struct {
	id       string
	identity auth.Identity

	ws   *websocket.Conn
	send chan []byte

	hub   *Hub
	rooms RoomService

	mu           sync.Mutex
	joinedDrafts map[uuid.UUID]bool
	closed       bool

	connectedAt time.Time
}

func newConn(ws *websocket.Conn, identity auth.Identity, hub *Hub, rooms RoomService) *Conn {
	return &Conn{
		id:           uuid.New().String(),
		identity:     identity,
		ws:           ws,
		send:         make(chan []byte, 256),
		hub:          hub,
		rooms:        rooms,
		joinedDrafts: make(map[uuid.UUID]bool),
		connectedAt:  time.Now(),
	}
}

// trySend queues data without blocking; false means the buffer is full.
// Sends and close are serialized through mu so a late send can never
// hit a closed channel.
func (c *Conn) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

// sendEvent delivers an event to this connection only.
func (c *Conn) sendEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to marshal direct event")
		return
	}
	if !c.trySend(data) {
		c.close()
	}
}

func (c *Conn) sendError(message string) {
	evt, err := events.New(events.EventDraftError, events.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.sendEvent(evt)
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound commands until the socket drops, then runs
// leave cleanup. Disconnection is not an error path: committed state is
// never rolled back, only participation is released.
func (c *Conn) readPump(ctx context.Context) {
	defer c.teardown()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			}
			return
		}
		c.handleCommand(ctx, message)
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	drafts := make([]uuid.UUID, 0, len(c.joinedDrafts))
	for draftID := range c.joinedDrafts {
		drafts = append(drafts, draftID)
	}
	c.joinedDrafts = make(map[uuid.UUID]bool)
	c.mu.Unlock()

	for _, draftID := range drafts {
		c.rooms.Leave(draftID, c.identity.UserID)
	}
	c.hub.unregisterAll(c)
	c.close()

	log.Info().
		Str("connection_id", c.id).
		Str("user_id", c.identity.UserID.String()).
		Msg("connection closed")
}

// handleCommand decodes one inbound message and dispatches it. The
// command set is closed; anything else is an error back to the sender.
func (c *Conn) handleCommand(ctx context.Context, raw []byte) {
	var cmd events.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.sendError("malformed message")
		return
	}

	payload, err := events.ParseCommand(cmd)
	if err != nil {
		c.sendError("unknown or malformed command")
		return
	}

	switch p := payload.(type) {
	case events.DraftJoinPayload:
		c.handleDraftJoin(ctx, p)
	case events.DraftPickPayload:
		c.handleDraftPick(ctx, p)
	case events.LiveJoinPayload:
		c.hub.register(liveKey(p.LeagueID, p.Week), c)
	case events.ActivityJoinPayload:
		c.hub.register(activityKey(p.LeagueID), c)
	}
}

func (c *Conn) handleDraftJoin(ctx context.Context, p events.DraftJoinPayload) {
	snapshot, err := c.rooms.Join(ctx, p.DraftID, c.identity)
	if err != nil {
		c.sendError(userMessage(err))
		return
	}

	// Register before sending the snapshot so no event between the two
	// is missed; duplicates are cheaper than gaps.
	c.hub.register(draftKey(p.DraftID), c)
	c.mu.Lock()
	c.joinedDrafts[p.DraftID] = true
	c.mu.Unlock()

	evt, err := events.New(events.EventDraftJoined, snapshot)
	if err != nil {
		log.Error().Err(err).Str("draft_id", p.DraftID.String()).Msg("failed to build joined event")
		return
	}
	c.sendEvent(evt)
}

func (c *Conn) handleDraftPick(ctx context.Context, p events.DraftPickPayload) {
	if err := c.rooms.SubmitPick(ctx, p.DraftID, c.identity.UserID, p.PlayerID); err != nil {
		c.sendError(userMessage(err))
	}
}

// userMessage maps an error to the message surfaced on draft:error.
// Validation errors pass through; anything internal stays generic.
func userMessage(err error) string {
	switch {
	case errors.Is(err, repository.ErrDraftNotFound):
		return "draft not found"
	case errors.Is(err, room.ErrAccessDenied):
		return "you do not have access to this draft"
	case errors.Is(err, engine.ErrDraftInactive):
		return "draft is not in progress"
	case errors.Is(err, engine.ErrNotYourTurn):
		return "it is not your turn to pick"
	case errors.Is(err, engine.ErrPlayerUnavailable):
		return "player is no longer available"
	default:
		return "internal error, please retry"
	}
}
