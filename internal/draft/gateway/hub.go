// Package gateway terminates realtime connections: it authenticates
// each socket, feeds inbound commands to the room registry and fans
// room events out to joined connections.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/draft/events"
)

// Room keys. Draft rooms carry pick semantics; live-scoring and
// activity rooms are plain join/broadcast rooms.
func draftKey(draftID uuid.UUID) string {
	return "draft:" + draftID.String()
}

func liveKey(leagueID uuid.UUID, week int) string {
	return fmt.Sprintf("live:%s:%d", leagueID, week)
}

func activityKey(leagueID uuid.UUID) string {
	return "activity:" + leagueID.String()
}

// Hub tracks which connections are joined to which room and fans
// events out to them. It holds no room state of its own.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]bool

	broadcastCh chan broadcastMessage

	config ConnConfig
}

type broadcastMessage struct {
	Key   string
	Event events.Event
}

// ConnConfig holds per-connection websocket tuning.
type ConnConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewHub(config ConnConfig) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Conn]bool),
		broadcastCh: make(chan broadcastMessage, 1000),
		config:      config,
	}
}

// Run processes broadcast messages until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("gateway hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway hub shutting down")
			return
		case message := <-h.broadcastCh:
			h.handleBroadcast(message)
		}
	}
}

// Broadcast queues an event for every connection joined to the room at
// time of send. Events are never buffered for future joiners; those
// get a snapshot instead.
func (h *Hub) Broadcast(key string, event events.Event) {
	select {
	case h.broadcastCh <- broadcastMessage{Key: key, Event: event}:
	default:
		// Queue saturated; deliver inline so the event still reaches
		// joined sockets. Per-connection buffers stay the only place a
		// slow consumer costs anything.
		log.Warn().Str("room", key).Msg("broadcast channel full, delivering inline")
		h.handleBroadcast(broadcastMessage{Key: key, Event: event})
	}
}

// BroadcastDraft implements room.Broadcaster.
func (h *Hub) BroadcastDraft(draftID uuid.UUID, event events.Event) {
	h.Broadcast(draftKey(draftID), event)
}

func (h *Hub) register(key string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Conn]bool)
	}
	h.rooms[key][conn] = true

	log.Debug().
		Str("connection_id", conn.id).
		Str("room", key).
		Int("room_connections", len(h.rooms[key])).
		Msg("connection registered to room")
}

func (h *Hub) unregister(key string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(key, conn)
}

// unregisterAll detaches a connection from every room it joined.
func (h *Hub) unregisterAll(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.rooms {
		h.removeLocked(key, conn)
	}
}

func (h *Hub) removeLocked(key string, conn *Conn) {
	conns, ok := h.rooms[key]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.rooms, key)
	}
}

func (h *Hub) handleBroadcast(message broadcastMessage) {
	h.mu.RLock()
	conns, ok := h.rooms[message.Key]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Conn, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Slow or dead consumer; drop the connection rather than
			// the whole room.
			log.Warn().
				Str("connection_id", conn.id).
				Str("user_id", conn.identity.UserID.String()).
				Str("room", message.Key).
				Msg("send buffer full, closing connection")
			conn.close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room", message.Key).
		Int("connections", len(targets)).
		Msg("event broadcast")
}

// Stats returns connection counts per room.
func (h *Hub) Stats() (totalConnections int, roomCounts map[string]int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomCounts = make(map[string]int, len(h.rooms))
	for key, conns := range h.rooms {
		roomCounts[key] = len(conns)
		totalConnections += len(conns)
	}
	return totalConnections, roomCounts
}
