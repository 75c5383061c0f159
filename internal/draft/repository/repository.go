// Package repository is the persistence adapter for draft rooms. The
// relational schema itself is owned elsewhere; this package only reads
// sessions and appends picks.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huddlehq/draftroom/internal/models"
)

var (
	// ErrDraftNotFound is returned when no draft session exists for the
	// given id.
	ErrDraftNotFound = errors.New("draft not found")

	// ErrPickConflict is returned when an append collides with an
	// already-committed pick number or player. Under the per-draft lock
	// this indicates another writer outside this process.
	ErrPickConflict = errors.New("pick conflicts with committed pick")
)

// Store is the durable-storage collaborator the draft room consumes.
type Store interface {
	LoadDraftSession(ctx context.Context, draftID uuid.UUID) (*models.DraftSession, error)
	LoadPicks(ctx context.Context, draftID uuid.UUID) ([]models.Pick, error)
	// AppendPick durably commits a pick; uniqueness of pick number and
	// player within the draft is enforced by the store. When
	// completesDraft is set the session status moves to COMPLETED in
	// the same transaction.
	AppendPick(ctx context.Context, draftID uuid.UUID, pick models.Pick, completesDraft bool) error
	UserOwnsTeam(ctx context.Context, leagueID, userID uuid.UUID) (bool, error)
	ListAvailablePlayers(ctx context.Context, draftID uuid.UUID) ([]uuid.UUID, error)
}

// Repository implements Store over a pgx connection pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) LoadDraftSession(ctx context.Context, draftID uuid.UUID) (*models.DraftSession, error) {
	var session models.DraftSession
	err := r.pool.QueryRow(ctx, `
		SELECT id, league_id, status, time_per_pick_sec, roster_size, created_at, updated_at
		FROM draft_sessions
		WHERE id = $1`, draftID).Scan(
		&session.ID,
		&session.LeagueID,
		&session.Status,
		&session.TimePerPickSec,
		&session.RosterSize,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDraftNotFound
		}
		return nil, fmt.Errorf("failed to load draft session: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, name, draft_position
		FROM fantasy_teams
		WHERE league_id = $1
		ORDER BY draft_position`, session.LeagueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft teams: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var team models.Team
		if err := rows.Scan(&team.ID, &team.OwnerID, &team.Name, &team.DraftPosition); err != nil {
			return nil, fmt.Errorf("failed to scan draft team: %w", err)
		}
		session.Teams = append(session.Teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read draft teams: %w", err)
	}

	return &session, nil
}

func (r *Repository) LoadPicks(ctx context.Context, draftID uuid.UUID) ([]models.Pick, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT player_id, team_id, round, pick_number, picked_at
		FROM draft_picks
		WHERE draft_id = $1
		ORDER BY pick_number`, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to load picks: %w", err)
	}
	defer rows.Close()

	var picks []models.Pick
	for rows.Next() {
		var pick models.Pick
		if err := rows.Scan(&pick.PlayerID, &pick.TeamID, &pick.Round, &pick.PickNumber, &pick.PickedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pick: %w", err)
		}
		picks = append(picks, pick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read picks: %w", err)
	}

	return picks, nil
}

func (r *Repository) AppendPick(ctx context.Context, draftID uuid.UUID, pick models.Pick, completesDraft bool) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO draft_picks (draft_id, player_id, team_id, round, pick_number, picked_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			draftID, pick.PlayerID, pick.TeamID, pick.Round, pick.PickNumber, pick.PickedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrPickConflict
			}
			return fmt.Errorf("failed to append pick: %w", err)
		}

		if completesDraft {
			tag, err := tx.Exec(ctx, `
				UPDATE draft_sessions
				SET status = $2, updated_at = now()
				WHERE id = $1 AND status = $3`,
				draftID, models.DraftStatusCompleted, models.DraftStatusInProgress)
			if err != nil {
				return fmt.Errorf("failed to complete draft: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("draft %s not in progress, cannot complete", draftID)
			}
		}
		return nil
	})
}

func (r *Repository) UserOwnsTeam(ctx context.Context, leagueID, userID uuid.UUID) (bool, error) {
	var owns bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fantasy_teams
			WHERE league_id = $1 AND owner_id = $2
		)`, leagueID, userID).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("failed to check team ownership: %w", err)
	}
	return owns, nil
}

// ListAvailablePlayers returns player ids not yet drafted in this
// session, for auto-pick selection.
func (r *Repository) ListAvailablePlayers(ctx context.Context, draftID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id
		FROM players p
		WHERE NOT EXISTS (
			SELECT 1 FROM draft_picks dp
			WHERE dp.draft_id = $1 AND dp.player_id = p.id
		)
		ORDER BY p.rank`, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to list available players: %w", err)
	}
	defer rows.Close()

	var players []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read players: %w", err)
	}

	return players, nil
}

// withTx executes fn inside a transaction. If fn returns an error the
// tx rolls back, else it commits.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
