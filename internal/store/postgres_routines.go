package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chorechart/kidauth-service/internal/domain"
)

// ListRoutinesByChild returns a child's routines with their steps in position order.
func (r *PostgresRepository) ListRoutinesByChild(ctx context.Context, childID uuid.UUID) ([]domain.Routine, error) {
	query := `
		SELECT id, child_id, btrim(title), description, points, created_at
		FROM routines
		WHERE child_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, childID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routines := make([]domain.Routine, 0)
	for rows.Next() {
		var routine domain.Routine
		if err := rows.Scan(&routine.ID, &routine.ChildID, &routine.Title, &routine.Description, &routine.Points, &routine.CreatedAt); err != nil {
			return nil, err
		}
		routine.Steps = []domain.RoutineStep{}
		routines = append(routines, routine)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(routines) == 0 {
		return routines, nil
	}

	if err := r.attachSteps(ctx, routines); err != nil {
		return nil, err
	}
	return routines, nil
}

// FindRoutineForChild loads a routine only when it belongs to childID.
func (r *PostgresRepository) FindRoutineForChild(ctx context.Context, routineID, childID uuid.UUID) (*domain.Routine, error) {
	var routine domain.Routine
	query := `
		SELECT id, child_id, btrim(title), description, points, created_at
		FROM routines
		WHERE id = $1 AND child_id = $2
	`
	err := r.db.QueryRow(ctx, query, routineID, childID).Scan(
		&routine.ID,
		&routine.ChildID,
		&routine.Title,
		&routine.Description,
		&routine.Points,
		&routine.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoutineNotFound
		}
		return nil, err
	}
	routine.Steps = []domain.RoutineStep{}

	list := []domain.Routine{routine}
	if err := r.attachSteps(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *PostgresRepository) attachSteps(ctx context.Context, routines []domain.Routine) error {
	ids := make([]string, 0, len(routines))
	index := make(map[uuid.UUID]int, len(routines))
	for i, routine := range routines {
		ids = append(ids, routine.ID.String())
		index[routine.ID] = i
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, routine_id, btrim(title), position
		FROM routine_steps
		WHERE routine_id = ANY($1::uuid[])
		ORDER BY routine_id, position, id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load routine steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step      domain.RoutineStep
			routineID uuid.UUID
		)
		if err := rows.Scan(&step.ID, &routineID, &step.Title, &step.Position); err != nil {
			return err
		}
		if i, ok := index[routineID]; ok {
			routines[i].Steps = append(routines[i].Steps, step)
		}
	}
	return rows.Err()
}

// CreateRoutineCompletionAndEnqueueEvent records a completion and its
// routine.completed event in one transaction.
func (r *PostgresRepository) CreateRoutineCompletionAndEnqueueEvent(
	ctx context.Context,
	completion *domain.RoutineCompletion,
	exchange string,
	routingKey string,
) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO routine_completions (routine_id, child_id, points_awarded, completed_by)
		SELECT r.id, r.child_id, r.points, $3
		FROM routines r
		WHERE r.id = $1 AND r.child_id = $2
		RETURNING id, points_awarded, completed_at
	`
	err = tx.QueryRow(ctx, query, completion.RoutineID, completion.ChildID, completion.CompletedBy).Scan(
		&completion.ID,
		&completion.PointsAwarded,
		&completion.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoutineNotFound
		}
		return err
	}

	event := domain.RoutineCompletedEvent{
		CompletionID:  completion.ID.String(),
		RoutineID:     completion.RoutineID.String(),
		ChildID:       completion.ChildID.String(),
		PointsAwarded: completion.PointsAwarded,
		CompletedBy:   completion.CompletedBy,
		CompletedAt:   completion.CompletedAt,
	}
	if err := enqueueEventTx(ctx, tx, exchange, routingKey, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
