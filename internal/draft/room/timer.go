package room

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/draft/events"
	"github.com/huddlehq/draftroom/internal/models"
)

// runTimer drives one room's pick countdown: a tick per second while
// the draft is in progress, a broadcast per tick, and an auto-pick
// escalation when the clock hits zero. Ticks and pick commits
// synchronize through the same room mutex, so a tick can never observe
// a half-applied pick.
func (r *Registry) runTimer(ctx context.Context, rm *Room) {
	ticker := r.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopTimer:
			return
		case <-ticker.Chan():
			if expired := r.tick(rm); expired {
				r.escalate(ctx, rm)
			}
		}
	}
}

// tick decrements the clock under the room lock and broadcasts the
// remaining time. It reports whether the countdown reached zero. A
// successful pick commit resets the clock (ApplyPick); nothing here
// does.
func (r *Registry) tick(rm *Room) (expired bool) {
	rm.mu.Lock()
	if rm.state.Session.Status != models.DraftStatusInProgress || rm.state.Current == nil {
		rm.mu.Unlock()
		return false
	}

	if rm.state.Current.TimeRemainingSec > 0 {
		rm.state.Current.TimeRemainingSec--
	}
	current := *rm.state.Current
	rm.mu.Unlock()

	evt, err := events.New(events.EventTimerTick, events.TimerTickPayload{
		TimeRemainingSec: current.TimeRemainingSec,
		CurrentPick:      &current,
	})
	if err == nil {
		r.broadcaster.BroadcastDraft(rm.draftID, evt)
	}

	return current.TimeRemainingSec <= 0
}

// escalate submits an auto-pick for the team on the clock. The
// selection policy is external; the pick itself travels the same
// SubmitPick path as a user pick, so every invariant still holds. A
// user pick landing between expiry and escalation simply makes the
// auto-pick fail validation, which is absorbed here.
func (r *Registry) escalate(ctx context.Context, rm *Room) {
	if r.autopick == nil {
		return
	}

	rm.mu.Lock()
	if rm.state.Session.Status != models.DraftStatusInProgress ||
		rm.state.Current == nil ||
		rm.state.Current.TimeRemainingSec > 0 {
		rm.mu.Unlock()
		return
	}
	onClock := rm.state.TeamOnClock(len(rm.state.Picks) + 1)
	pickNumber := len(rm.state.Picks) + 1
	rm.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StorageTimeout)
	defer cancel()

	playerID, err := r.autopick.SelectPlayer(sctx, rm.draftID)
	if err != nil {
		log.Warn().
			Err(err).
			Str("draft_id", rm.draftID.String()).
			Int("pick_number", pickNumber).
			Msg("auto-pick selection failed")
		return
	}

	log.Info().
		Str("draft_id", rm.draftID.String()).
		Str("team_id", onClock.ID.String()).
		Str("player_id", playerID.String()).
		Int("pick_number", pickNumber).
		Msg("pick clock expired, auto-picking")

	err = r.SubmitPick(ctx, rm.draftID, onClock.OwnerID, playerID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotYourTurn), errors.Is(err, engine.ErrPlayerUnavailable):
		// A user pick won the race; the next tick cycle covers the new
		// pick.
		log.Debug().Err(err).Str("draft_id", rm.draftID.String()).Msg("auto-pick lost race")
	case errors.Is(err, engine.ErrDraftInactive):
	default:
		log.Error().Err(err).Str("draft_id", rm.draftID.String()).Msg("auto-pick commit failed")
	}
}
