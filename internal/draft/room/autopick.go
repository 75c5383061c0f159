package room

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/huddlehq/draftroom/internal/draft/repository"
)

// RandomStrategy auto-picks a random still-available player. One
// instance serves every room's timer, so selection uses the global
// locked rand source.
type RandomStrategy struct {
	store repository.Store
}

func NewRandomStrategy(store repository.Store) *RandomStrategy {
	return &RandomStrategy{store: store}
}

var _ AutopickStrategy = (*RandomStrategy)(nil)

func (s *RandomStrategy) SelectPlayer(ctx context.Context, draftID uuid.UUID) (uuid.UUID, error) {
	players, err := s.store.ListAvailablePlayers(ctx, draftID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list players: %w", err)
	}
	if len(players) == 0 {
		return uuid.Nil, fmt.Errorf("no available players")
	}

	return players[rand.Intn(len(players))], nil
}
