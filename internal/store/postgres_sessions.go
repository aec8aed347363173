package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chorechart/kidauth-service/internal/domain"
)

// CreateKidSession persists a session keyed by the hash of its bearer token.
func (r *PostgresRepository) CreateKidSession(ctx context.Context, session *domain.KidSession) error {
	query := `
		INSERT INTO kid_sessions (token_hash, child_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, session.TokenHash, session.ChildID, session.ExpiresAt).Scan(&session.CreatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return ErrChildNotFound
	}
	return err
}

// FindActiveKidSession returns the session for tokenHash only while it is unexpired at now.
func (r *PostgresRepository) FindActiveKidSession(ctx context.Context, tokenHash string, now time.Time) (*domain.KidSession, error) {
	var session domain.KidSession
	query := `
		SELECT token_hash, child_id, expires_at, created_at
		FROM kid_sessions
		WHERE token_hash = $1 AND expires_at > $2
	`
	err := r.db.QueryRow(ctx, query, tokenHash, now).Scan(
		&session.TokenHash,
		&session.ChildID,
		&session.ExpiresAt,
		&session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// DeleteKidSessionsByChild revokes every session bound to a child.
func (r *PostgresRepository) DeleteKidSessionsByChild(ctx context.Context, childID uuid.UUID) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM kid_sessions WHERE child_id = $1`, childID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// DeleteExpiredKidSessions removes sessions that can no longer validate.
func (r *PostgresRepository) DeleteExpiredKidSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM kid_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
