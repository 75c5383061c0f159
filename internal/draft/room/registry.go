// Package room owns all live draft state: a process-wide registry of
// rooms, the per-draft pick serializer and the per-pick countdown. The
// registry interface is deliberately narrow so the local-map backing
// can be swapped for a shared store without touching callers.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/auth"
	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/draft/events"
	"github.com/huddlehq/draftroom/internal/draft/repository"
	"github.com/huddlehq/draftroom/internal/models"
)

// Broadcaster fans an event out to every connection currently joined to
// the draft's room. Delivery is at-least-once to connected sockets and
// never replayed to later joiners.
type Broadcaster interface {
	BroadcastDraft(draftID uuid.UUID, event events.Event)
}

// AutopickStrategy selects a player when a team's clock expires. The
// selection is external policy; the resulting pick always goes through
// the normal validate/commit path.
type AutopickStrategy interface {
	SelectPlayer(ctx context.Context, draftID uuid.UUID) (uuid.UUID, error)
}

// Config tunes registry behavior.
type Config struct {
	// GracePeriod is how long an empty room survives before eviction.
	GracePeriod time.Duration
	// StorageTimeout bounds every durable-storage operation so a slow
	// store can never hold a room lock indefinitely.
	StorageTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:    60 * time.Second,
		StorageTimeout: 5 * time.Second,
	}
}

// Registry is the process-wide table of draft id -> live room. Rooms
// are created lazily from durable state and evicted after a grace
// period once empty.
type Registry struct {
	store       repository.Store
	broadcaster Broadcaster
	autopick    AutopickStrategy
	clock       clockwork.Clock
	cfg         Config

	mu    sync.RWMutex
	rooms map[uuid.UUID]*Room

	baseCtx context.Context
}

func NewRegistry(store repository.Store, broadcaster Broadcaster, autopick AutopickStrategy, clock clockwork.Clock, cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultConfig().StorageTimeout
	}
	return &Registry{
		store:       store,
		broadcaster: broadcaster,
		autopick:    autopick,
		clock:       clock,
		cfg:         cfg,
		rooms:       make(map[uuid.UUID]*Room),
		baseCtx:     context.Background(),
	}
}

// Run drives room eviction until ctx is cancelled. Timers for rooms
// created while running inherit ctx.
func (r *Registry) Run(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	sweep := r.cfg.GracePeriod / 2
	if sweep < time.Second {
		sweep = time.Second
	}
	ticker := r.clock.NewTicker(sweep)
	defer ticker.Stop()

	log.Info().Dur("grace_period", r.cfg.GracePeriod).Msg("room registry started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("room registry shutting down")
			return
		case <-ticker.Chan():
			r.evictIdle()
		}
	}
}

// GetOrCreate returns the live room for a draft, rebuilding it from the
// durable session and pick sequence on first access.
func (r *Registry) GetOrCreate(ctx context.Context, draftID uuid.UUID) (*Room, error) {
	r.mu.RLock()
	rm, ok := r.rooms[draftID]
	r.mu.RUnlock()
	if ok {
		return rm, nil
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	session, err := r.store.LoadDraftSession(sctx, draftID)
	if err != nil {
		if errors.Is(err, repository.ErrDraftNotFound) {
			return nil, err
		}
		log.Error().Err(err).Str("draft_id", draftID.String()).Msg("failed to load draft session")
		return nil, fmt.Errorf("%w: load draft session", ErrInternal)
	}
	picks, err := r.store.LoadPicks(sctx, draftID)
	if err != nil {
		log.Error().Err(err).Str("draft_id", draftID.String()).Msg("failed to load picks")
		return nil, fmt.Errorf("%w: load picks", ErrInternal)
	}

	created := newRoom(draftID, engine.NewState(*session, picks))

	r.mu.Lock()
	if existing, ok := r.rooms[draftID]; ok {
		// Lost the create race; the winner's room carries the timer.
		r.mu.Unlock()
		return existing, nil
	}
	r.rooms[draftID] = created
	baseCtx := r.baseCtx
	r.mu.Unlock()

	go r.runTimer(baseCtx, created)

	log.Info().
		Str("draft_id", draftID.String()).
		Str("status", string(session.Status)).
		Int("picks_loaded", len(picks)).
		Msg("room created")
	return created, nil
}

// maybeStart transitions a resident NOT_STARTED room whose durable
// session has moved to IN_PROGRESS. Scheduling the start is owned by
// the wider platform, which flips the durable status; the room observes
// that on the next join or pick attempt and puts the first pick on the
// clock.
func (r *Registry) maybeStart(ctx context.Context, rm *Room) {
	rm.mu.Lock()
	notStarted := !rm.evicted && rm.state.Session.Status == models.DraftStatusNotStarted
	rm.mu.Unlock()
	if !notStarted {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()
	session, err := r.store.LoadDraftSession(sctx, rm.draftID)
	if err != nil {
		log.Error().Err(err).Str("draft_id", rm.draftID.String()).Msg("failed to refresh draft status")
		return
	}
	if session.Status != models.DraftStatusInProgress {
		return
	}

	rm.mu.Lock()
	started := !rm.evicted && rm.state.Start()
	var current *engine.CurrentPick
	var version uint64
	if started {
		if rm.state.Current != nil {
			c := *rm.state.Current
			current = &c
		}
		version = rm.state.Version
	}
	rm.mu.Unlock()
	if !started {
		return
	}

	evt, err := events.New(events.EventDraftStarted, events.DraftStartedPayload{
		Status:      models.DraftStatusInProgress,
		CurrentPick: current,
		Version:     version,
	})
	if err == nil {
		r.broadcaster.BroadcastDraft(rm.draftID, evt)
	}

	log.Info().Str("draft_id", rm.draftID.String()).Msg("draft started")
}

// Join adds a participant and returns the full state snapshot for the
// caller. Fails with ErrAccessDenied unless the user owns a team in the
// draft's league.
func (r *Registry) Join(ctx context.Context, draftID uuid.UUID, identity auth.Identity) (events.JoinedPayload, error) {
	for {
		rm, err := r.GetOrCreate(ctx, draftID)
		if err != nil {
			return events.JoinedPayload{}, err
		}
		r.maybeStart(ctx, rm)

		sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
		owns, err := r.store.UserOwnsTeam(sctx, rm.state.Session.LeagueID, identity.UserID)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("draft_id", draftID.String()).Msg("failed to check league membership")
			return events.JoinedPayload{}, fmt.Errorf("%w: membership check", ErrInternal)
		}
		if !owns {
			return events.JoinedPayload{}, ErrAccessDenied
		}

		rm.mu.Lock()
		if rm.evicted {
			// The sweeper removed this room between lookup and join; a
			// fresh lookup rebuilds it from durable state.
			rm.mu.Unlock()
			continue
		}
		rm.participants[identity.UserID]++
		first := rm.participants[identity.UserID] == 1
		rm.emptySince = time.Time{}
		snap := rm.snapshot()
		rm.mu.Unlock()

		if first {
			evt, err := events.New(events.EventParticipantJoined, events.ParticipantJoinedPayload{
				UserID:   identity.UserID,
				Username: identity.Username,
			})
			if err == nil {
				r.broadcaster.BroadcastDraft(draftID, evt)
			}
		}

		log.Info().
			Str("draft_id", draftID.String()).
			Str("user_id", identity.UserID.String()).
			Msg("participant joined")
		return snap, nil
	}
}

// Leave removes one of the user's connections from the room. The room
// itself is retained for the grace period so brief reconnects keep
// their state warm. Disconnection is cleanup, never an error path.
func (r *Registry) Leave(draftID, userID uuid.UUID) {
	r.mu.RLock()
	rm, ok := r.rooms[draftID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	count, present := rm.participants[userID]
	if !present {
		rm.mu.Unlock()
		return
	}
	count--
	gone := count <= 0
	if gone {
		delete(rm.participants, userID)
	} else {
		rm.participants[userID] = count
	}
	if len(rm.participants) == 0 {
		rm.emptySince = r.clock.Now()
	}
	rm.mu.Unlock()

	if gone {
		evt, err := events.New(events.EventParticipantLeft, events.ParticipantLeftPayload{UserID: userID})
		if err == nil {
			r.broadcaster.BroadcastDraft(draftID, evt)
		}
	}

	log.Info().
		Str("draft_id", draftID.String()).
		Str("user_id", userID.String()).
		Msg("participant left")
}

// SubmitPick runs the whole pick pipeline - validate, durable append,
// apply, broadcast - under the draft's exclusive lock. On persistence
// failure the in-memory state is untouched and the caller gets
// ErrInternal; validation errors come back verbatim and mutate nothing.
func (r *Registry) SubmitPick(ctx context.Context, draftID, requesterID, playerID uuid.UUID) error {
	for {
		rm, err := r.GetOrCreate(ctx, draftID)
		if err != nil {
			return err
		}
		r.maybeStart(ctx, rm)

		rm.mu.Lock()
		if rm.evicted {
			rm.mu.Unlock()
			continue
		}
		err = r.commitPick(ctx, rm, requesterID, playerID)
		rm.mu.Unlock()
		return err
	}
}

// commitPick validates, persists and applies one pick. Callers hold
// rm.mu.
func (r *Registry) commitPick(ctx context.Context, rm *Room, requesterID, playerID uuid.UUID) error {
	draftID := rm.draftID

	pick, err := rm.state.ValidatePick(requesterID, playerID, r.clock.Now())
	if err != nil {
		return err
	}

	completes := pick.PickNumber == rm.state.Session.TotalPicks()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()
	if err := r.store.AppendPick(sctx, draftID, pick, completes); err != nil {
		log.Error().
			Err(err).
			Str("draft_id", draftID.String()).
			Str("player_id", playerID.String()).
			Int("pick_number", pick.PickNumber).
			Msg("failed to persist pick")
		return fmt.Errorf("%w: persist pick", ErrInternal)
	}

	rm.state.ApplyPick(pick)

	var current *engine.CurrentPick
	if rm.state.Current != nil {
		c := *rm.state.Current
		current = &c
	}
	evt, err := events.New(events.EventPickMade, events.PickMadePayload{
		Pick:        pick,
		CurrentPick: current,
		TotalPicks:  len(rm.state.Picks),
		Version:     rm.state.Version,
	})
	if err == nil {
		r.broadcaster.BroadcastDraft(draftID, evt)
	}

	log.Info().
		Str("draft_id", draftID.String()).
		Str("team_id", pick.TeamID.String()).
		Str("player_id", playerID.String()).
		Int("pick_number", pick.PickNumber).
		Bool("draft_completed", completes).
		Msg("pick made")
	return nil
}

// Participants returns the user ids currently joined to a resident
// room. A non-resident draft has no participants.
func (r *Registry) Participants(draftID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	rm, ok := r.rooms[draftID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]uuid.UUID, 0, len(rm.participants))
	for id := range rm.participants {
		out = append(out, id)
	}
	return out
}

// evictIdle drops rooms that have been empty past the grace period and
// are not mid-draft. Durable state survives eviction; the room is only
// a cache.
func (r *Registry) evictIdle() {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for draftID, rm := range r.rooms {
		rm.mu.Lock()
		idle := len(rm.participants) == 0 &&
			!rm.emptySince.IsZero() &&
			now.Sub(rm.emptySince) >= r.cfg.GracePeriod &&
			rm.state.Session.Status != models.DraftStatusInProgress
		if idle {
			rm.evicted = true
		}
		rm.mu.Unlock()

		if idle {
			close(rm.stopTimer)
			delete(r.rooms, draftID)
			log.Info().Str("draft_id", draftID.String()).Msg("idle room evicted")
		}
	}
}
