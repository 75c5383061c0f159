package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlehq/draftroom/internal/auth"
	"github.com/huddlehq/draftroom/internal/draft/engine"
	"github.com/huddlehq/draftroom/internal/draft/events"
	"github.com/huddlehq/draftroom/internal/draft/repository"
	"github.com/huddlehq/draftroom/internal/models"
)

// fakeStore is an in-memory repository.Store with failure injection.
// ownsHook, when set, runs once during the next UserOwnsTeam call so
// tests can interleave registry operations with an in-flight join.
type fakeStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]models.DraftSession
	picks        map[uuid.UUID][]models.Pick
	players      []uuid.UUID
	appendErr    error
	sessionLoads int
	ownsHook     func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]models.DraftSession),
		picks:    make(map[uuid.UUID][]models.Pick),
	}
}

var _ repository.Store = (*fakeStore)(nil)

func (s *fakeStore) LoadDraftSession(ctx context.Context, draftID uuid.UUID) (*models.DraftSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionLoads++
	session, ok := s.sessions[draftID]
	if !ok {
		return nil, repository.ErrDraftNotFound
	}
	copied := session
	copied.Teams = append([]models.Team(nil), session.Teams...)
	return &copied, nil
}

func (s *fakeStore) LoadPicks(ctx context.Context, draftID uuid.UUID) ([]models.Pick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Pick(nil), s.picks[draftID]...), nil
}

func (s *fakeStore) AppendPick(ctx context.Context, draftID uuid.UUID, pick models.Pick, completesDraft bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	for _, existing := range s.picks[draftID] {
		if existing.PickNumber == pick.PickNumber || existing.PlayerID == pick.PlayerID {
			return repository.ErrPickConflict
		}
	}
	s.picks[draftID] = append(s.picks[draftID], pick)
	if completesDraft {
		session := s.sessions[draftID]
		session.Status = models.DraftStatusCompleted
		s.sessions[draftID] = session
	}
	return nil
}

func (s *fakeStore) UserOwnsTeam(ctx context.Context, leagueID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	hook := s.ownsHook
	s.ownsHook = nil
	owns := false
	for _, session := range s.sessions {
		if session.LeagueID != leagueID {
			continue
		}
		for _, team := range session.Teams {
			if team.OwnerID == userID {
				owns = true
			}
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return owns, nil
}

func (s *fakeStore) ListAvailablePlayers(ctx context.Context, draftID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taken := make(map[uuid.UUID]bool)
	for _, pick := range s.picks[draftID] {
		taken[pick.PlayerID] = true
	}
	var available []uuid.UUID
	for _, id := range s.players {
		if !taken[id] {
			available = append(available, id)
		}
	}
	return available, nil
}

func (s *fakeStore) setAppendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

func (s *fakeStore) setStatus(draftID uuid.UUID, status models.DraftStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[draftID]
	session.Status = status
	s.sessions[draftID] = session
}

func (s *fakeStore) committedPicks(draftID uuid.UUID) []models.Pick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Pick(nil), s.picks[draftID]...)
}

func (s *fakeStore) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionLoads
}

// recordingBroadcaster captures everything broadcast to a draft room.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBroadcaster) BroadcastDraft(draftID uuid.UUID, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) byType(eventType events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, evt := range b.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// fixedStrategy always auto-picks the same player.
type fixedStrategy struct {
	playerID uuid.UUID
}

func (s *fixedStrategy) SelectPlayer(ctx context.Context, draftID uuid.UUID) (uuid.UUID, error) {
	return s.playerID, nil
}

func seedSession(store *fakeStore, teamCount, rosterSize, timePerPickSec int) models.DraftSession {
	teams := make([]models.Team, teamCount)
	for i := range teams {
		teams[i] = models.Team{
			ID:            uuid.New(),
			OwnerID:       uuid.New(),
			Name:          fmt.Sprintf("Team %d", i+1),
			DraftPosition: i,
		}
	}
	session := models.DraftSession{
		ID:             uuid.New(),
		LeagueID:       uuid.New(),
		Status:         models.DraftStatusInProgress,
		Teams:          teams,
		TimePerPickSec: timePerPickSec,
		RosterSize:     rosterSize,
	}
	store.sessions[session.ID] = session
	return session
}

func newTestRegistry(store *fakeStore, broadcaster Broadcaster, autopick AutopickStrategy, clock clockwork.Clock) *Registry {
	return NewRegistry(store, broadcaster, autopick, clock, Config{
		GracePeriod:    30 * time.Second,
		StorageTimeout: time.Second,
	})
}

func TestJoinUnknownDraft(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clockwork.NewFakeClock())

	_, err := registry.Join(context.Background(), uuid.New(), auth.Identity{UserID: uuid.New()})
	assert.ErrorIs(t, err, repository.ErrDraftNotFound)
}

func TestJoinAccessDenied(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	_, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: uuid.New()})
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Empty(t, broadcaster.byType(events.EventParticipantJoined))
}

func TestJoinReturnsSnapshotAndBroadcasts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	owner := session.Teams[1].OwnerID
	snap, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner, Username: "beth"})
	require.NoError(t, err)

	assert.Equal(t, session.ID, snap.DraftID)
	assert.Equal(t, session.LeagueID, snap.LeagueID)
	assert.Equal(t, models.DraftStatusInProgress, snap.Status)
	assert.Len(t, snap.Teams, 4)
	assert.Empty(t, snap.Picks)
	assert.Contains(t, snap.Participants, owner)
	require.NotNil(t, snap.CurrentPick)
	assert.Equal(t, 1, snap.CurrentPick.PickNumber)
	assert.Equal(t, 60, snap.CurrentPick.TimeRemainingSec)

	joined := broadcaster.byType(events.EventParticipantJoined)
	require.Len(t, joined, 1)

	// A second connection for the same user does not re-announce.
	_, err = registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Len(t, broadcaster.byType(events.EventParticipantJoined), 1)
}

func TestSubmitPickCommitsAndBroadcasts(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	playerID := uuid.New()
	err := registry.SubmitPick(context.Background(), session.ID, session.Teams[0].OwnerID, playerID)
	require.NoError(t, err)

	committed := store.committedPicks(session.ID)
	require.Len(t, committed, 1)
	assert.Equal(t, playerID, committed[0].PlayerID)
	assert.Equal(t, 1, committed[0].PickNumber)

	made := broadcaster.byType(events.EventPickMade)
	require.Len(t, made, 1)
}

func TestSubmitPickWrongUser(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clockwork.NewFakeClock())

	err := registry.SubmitPick(context.Background(), session.ID, session.Teams[2].OwnerID, uuid.New())
	assert.ErrorIs(t, err, engine.ErrNotYourTurn)
	assert.Empty(t, store.committedPicks(session.ID))
}

func TestConcurrentPicksOneWinner(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clockwork.NewFakeClock())

	owner := session.Teams[0].OwnerID
	const attempts = 8
	errs := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- registry.SubmitPick(context.Background(), session.ID, owner, uuid.New())
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, turnErrs int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, engine.ErrNotYourTurn):
			turnErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Team A owns exactly one pick; every other attempt loses the race
	// cleanly.
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, turnErrs)
	assert.Len(t, store.committedPicks(session.ID), 1)
}

func TestConcurrentSamePlayer(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 2, 60)
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clockwork.NewFakeClock())

	playerID := uuid.New()
	// Team A picks the player, then team B races for the same player.
	require.NoError(t, registry.SubmitPick(context.Background(), session.ID, session.Teams[0].OwnerID, playerID))

	err := registry.SubmitPick(context.Background(), session.ID, session.Teams[1].OwnerID, playerID)
	assert.ErrorIs(t, err, engine.ErrPlayerUnavailable)
	assert.Len(t, store.committedPicks(session.ID), 1)
}

func TestSubmitPickPersistFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	store.setAppendErr(errors.New("connection reset"))
	owner := session.Teams[0].OwnerID
	playerID := uuid.New()

	err := registry.SubmitPick(context.Background(), session.ID, owner, playerID)
	assert.ErrorIs(t, err, ErrInternal)
	assert.Empty(t, store.committedPicks(session.ID))
	assert.Empty(t, broadcaster.byType(events.EventPickMade))

	// All-or-nothing: the retry lands on the same pick number.
	store.setAppendErr(nil)
	require.NoError(t, registry.SubmitPick(context.Background(), session.ID, owner, playerID))
	committed := store.committedPicks(session.ID)
	require.Len(t, committed, 1)
	assert.Equal(t, 1, committed[0].PickNumber)
}

func TestDraftCompletes(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clockwork.NewFakeClock())

	rm, err := registry.GetOrCreate(context.Background(), session.ID)
	require.NoError(t, err)

	total := session.TotalPicks()
	for p := 1; p <= total; p++ {
		rm.mu.Lock()
		owner := rm.state.TeamOnClock(p).OwnerID
		rm.mu.Unlock()
		require.NoError(t, registry.SubmitPick(context.Background(), session.ID, owner, uuid.New()))
	}

	// Completion is durable and terminal.
	stored, err := store.LoadDraftSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusCompleted, stored.Status)

	err = registry.SubmitPick(context.Background(), session.ID, session.Teams[0].OwnerID, uuid.New())
	assert.ErrorIs(t, err, engine.ErrDraftInactive)

	picks := store.committedPicks(session.ID)
	require.Len(t, picks, total)
	for i, pick := range picks {
		assert.Equal(t, i+1, pick.PickNumber)
	}
}

func TestTimerTicksAndResetsOnCommit(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	broadcaster := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(store, broadcaster, nil, clock)

	_, err := registry.GetOrCreate(context.Background(), session.ID)
	require.NoError(t, err)
	clock.BlockUntil(1) // room timer ticker armed

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(broadcaster.byType(events.EventTimerTick)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(broadcaster.byType(events.EventTimerTick)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	// Two ticks elapsed: 58s remain.
	snap, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: session.Teams[0].OwnerID})
	require.NoError(t, err)
	require.NotNil(t, snap.CurrentPick)
	assert.Equal(t, 58, snap.CurrentPick.TimeRemainingSec)

	// A successful commit resets the clock to the full allowance.
	require.NoError(t, registry.SubmitPick(context.Background(), session.ID, session.Teams[0].OwnerID, uuid.New()))
	made := broadcaster.byType(events.EventPickMade)
	require.Len(t, made, 1)

	var payload events.PickMadePayload
	require.NoError(t, json.Unmarshal(made[0].Data, &payload))
	require.NotNil(t, payload.CurrentPick)
	assert.Equal(t, 60, payload.CurrentPick.TimeRemainingSec)
	assert.Equal(t, 2, payload.CurrentPick.PickNumber)
}

func TestTimerExpiryTriggersAutopick(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 1, 2)
	autoPlayer := uuid.New()
	store.players = []uuid.UUID{autoPlayer}
	broadcaster := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(store, broadcaster, &fixedStrategy{playerID: autoPlayer}, clock)

	_, err := registry.GetOrCreate(context.Background(), session.ID)
	require.NoError(t, err)
	clock.BlockUntil(1)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(broadcaster.byType(events.EventTimerTick)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.committedPicks(session.ID))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(store.committedPicks(session.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	committed := store.committedPicks(session.ID)
	assert.Equal(t, autoPlayer, committed[0].PlayerID)
	assert.Equal(t, session.Teams[0].ID, committed[0].TeamID)
}

func TestJoinObservesDurableStart(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 4, 2, 60)
	session.Status = models.DraftStatusNotStarted
	store.sessions[session.ID] = session

	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	owner := session.Teams[0].OwnerID
	snap, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusNotStarted, snap.Status)
	assert.Nil(t, snap.CurrentPick)

	err = registry.SubmitPick(context.Background(), session.ID, owner, uuid.New())
	assert.ErrorIs(t, err, engine.ErrDraftInactive)
	assert.Empty(t, broadcaster.byType(events.EventDraftStarted))

	// The platform scheduler flips the durable status; the room picks
	// that up on the next join.
	store.setStatus(session.ID, models.DraftStatusInProgress)

	snap, err = registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusInProgress, snap.Status)
	require.NotNil(t, snap.CurrentPick)
	assert.Equal(t, 1, snap.CurrentPick.PickNumber)

	started := broadcaster.byType(events.EventDraftStarted)
	require.Len(t, started, 1)
	var payload events.DraftStartedPayload
	require.NoError(t, json.Unmarshal(started[0].Data, &payload))
	assert.Equal(t, models.DraftStatusInProgress, payload.Status)
	require.NotNil(t, payload.CurrentPick)
	assert.Equal(t, session.Teams[0].ID, payload.CurrentPick.TeamID)

	require.NoError(t, registry.SubmitPick(context.Background(), session.ID, owner, uuid.New()))
	assert.Len(t, store.committedPicks(session.ID), 1)
}

func TestSubmitPickObservesDurableStart(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 2, 60)
	session.Status = models.DraftStatusNotStarted
	store.sessions[session.ID] = session

	broadcaster := &recordingBroadcaster{}
	registry := newTestRegistry(store, broadcaster, nil, clockwork.NewFakeClock())

	owner := session.Teams[0].OwnerID
	_, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)

	// Start lands durably while everyone stays connected; the first pick
	// attempt observes it without anyone re-joining.
	store.setStatus(session.ID, models.DraftStatusInProgress)

	require.NoError(t, registry.SubmitPick(context.Background(), session.ID, owner, uuid.New()))
	assert.Len(t, broadcaster.byType(events.EventDraftStarted), 1)
	assert.Len(t, store.committedPicks(session.ID), 1)
}

func TestJoinRetriesWhenRoomEvictedMidJoin(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 1, 60)
	session.Status = models.DraftStatusCompleted
	store.sessions[session.ID] = session

	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(store, &recordingBroadcaster{}, nil, clock)

	// Run the sweeper between the joiner's room lookup and its
	// participant registration.
	store.ownsHook = func() {
		registry.mu.RLock()
		rm := registry.rooms[session.ID]
		registry.mu.RUnlock()
		rm.mu.Lock()
		rm.emptySince = clock.Now().Add(-time.Hour)
		rm.mu.Unlock()
		registry.evictIdle()
	}

	owner := session.Teams[0].OwnerID
	snap, err := registry.Join(context.Background(), session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, models.DraftStatusCompleted, snap.Status)

	// The join landed in a live resident room, not the evicted orphan.
	registry.mu.RLock()
	rm, resident := registry.rooms[session.ID]
	registry.mu.RUnlock()
	require.True(t, resident)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	assert.False(t, rm.evicted)
	assert.Equal(t, 1, rm.participants[owner])
	assert.Equal(t, 2, store.loads(), "retry rebuilds from durable state")
}

func TestLeaveBroadcastsAndSchedulesEviction(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 1, 60)
	session.Status = models.DraftStatusCompleted
	store.sessions[session.ID] = session

	broadcaster := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(store, broadcaster, nil, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := session.Teams[0].OwnerID
	_, err := registry.Join(ctx, session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	require.Equal(t, 1, store.loads())

	go registry.Run(ctx)
	clock.BlockUntil(2) // room timer + eviction sweeper armed

	registry.Leave(session.ID, owner)
	require.Len(t, broadcaster.byType(events.EventParticipantLeft), 1)

	// Within the grace period the room stays resident: a rejoin does
	// not reload from storage.
	_, err = registry.Join(ctx, session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, 1, store.loads())
	registry.Leave(session.ID, owner)

	// Past the grace period the empty, non-running room is evicted and
	// the next join rebuilds from durable state.
	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		registry.mu.RLock()
		defer registry.mu.RUnlock()
		_, resident := registry.rooms[session.ID]
		return !resident
	}, 2*time.Second, 10*time.Millisecond)

	_, err = registry.Join(ctx, session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads())
}

func TestInProgressRoomSurvivesEviction(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	session := seedSession(store, 2, 3, 60)
	broadcaster := &recordingBroadcaster{}
	clock := clockwork.NewFakeClock()
	registry := newTestRegistry(store, broadcaster, nil, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	owner := session.Teams[0].OwnerID
	_, err := registry.Join(ctx, session.ID, auth.Identity{UserID: owner})
	require.NoError(t, err)

	go registry.Run(ctx)
	clock.BlockUntil(2)

	registry.Leave(session.ID, owner)
	clock.Advance(2 * time.Minute)

	// An in-progress draft is never evicted, however long it sits
	// empty: the clock must keep running.
	assert.Never(t, func() bool {
		registry.mu.RLock()
		defer registry.mu.RUnlock()
		_, resident := registry.rooms[session.ID]
		return !resident
	}, 200*time.Millisecond, 20*time.Millisecond)
}
