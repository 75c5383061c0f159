package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/auth"
)

// Handler upgrades HTTP requests to websocket connections. Every
// connection is authenticated before it is registered anywhere; an
// unverifiable credential is rejected at the door.
type Handler struct {
	hub      *Hub
	rooms    RoomService
	verifier auth.Verifier
	upgrader websocket.Upgrader

	baseCtx context.Context
}

func NewHandler(hub *Hub, rooms RoomService, verifier auth.Verifier) *Handler {
	return &Handler{
		hub:      hub,
		rooms:    rooms,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  hub.config.ReadBufferSize,
			WriteBufferSize: hub.config.WriteBufferSize,
			CheckOrigin:     hub.config.CheckOrigin,
		},
		baseCtx: context.Background(),
	}
}

// SetBaseContext sets the context inherited by connection command
// handling; cancelling it releases in-flight room operations.
func (h *Handler) SetBaseContext(ctx context.Context) {
	h.baseCtx = ctx
}

// HandleWS authenticates and upgrades one realtime connection.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	identity, err := h.verifier.Verify(token)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejected unauthenticated connection")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn := newConn(ws, identity, h.hub, h.rooms)
	go conn.writePump()
	go conn.readPump(h.baseCtx)

	log.Info().
		Str("connection_id", conn.id).
		Str("user_id", identity.UserID.String()).
		Msg("connection established")
}

// HandleStats reports active connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.hub.Stats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"total_connections": total,
		"rooms":             rooms,
	})
}

// RegisterRoutes registers the realtime routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}

// bearerToken pulls the credential from the Authorization header or,
// for browser websocket clients that cannot set headers, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
