// Package broker relays room events over NATS so every gateway
// instance can fan out to its own sockets. Room state stays
// process-local; only events travel, which keeps a multi-instance
// deployment correct as long as clients resync via join snapshots.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/draft/events"
)

const subjectPrefix = "draft.events."

// LocalBroadcaster is the in-process fan-out the relay feeds, typically
// the gateway hub.
type LocalBroadcaster interface {
	BroadcastDraft(draftID uuid.UUID, event events.Event)
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// envelope is the wire form of a relayed event.
type envelope struct {
	DraftID uuid.UUID    `json:"draft_id"`
	Event   events.Event `json:"event"`
}

// Relay publishes every room broadcast to NATS and feeds everything
// arriving on the subject - this instance's own events included - to
// the local broadcaster. Rooms broadcast through the relay; sockets
// only ever receive via the subscription.
type Relay struct {
	nc    *nats.Conn
	local LocalBroadcaster
	sub   *nats.Subscription
}

func NewRelay(cfg Config, local LocalBroadcaster) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Relay{nc: nc, local: local}, nil
}

// BroadcastDraft implements room.Broadcaster by publishing to NATS.
func (r *Relay) BroadcastDraft(draftID uuid.UUID, event events.Event) {
	data, err := json.Marshal(envelope{DraftID: draftID, Event: event})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay envelope")
		return
	}
	if err := r.nc.Publish(subjectPrefix+draftID.String(), data); err != nil {
		log.Error().
			Err(err).
			Str("draft_id", draftID.String()).
			Str("event_type", string(event.Type)).
			Msg("failed to publish event")
	}
}

// Run subscribes and forwards relayed events to local sockets until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal relayed event")
			return
		}
		r.local.BroadcastDraft(env.DraftID, env.Event)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.sub = sub

	log.Info().Str("subject", subjectPrefix+">").Msg("event relay started")
	<-ctx.Done()
	return r.Stop()
}

// Stop drains the subscription and closes the connection.
func (r *Relay) Stop() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Close()
	}
	log.Info().Msg("event relay stopped")
	return nil
}
