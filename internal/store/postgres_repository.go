/**
 * @description
 * PostgreSQL implementation of the Repository interface. Credential updates
 * that drive lockout are single statements so concurrent failed attempts
 * never lose an increment.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorechart/kidauth-service/internal/domain"
)

var (
	ErrFamilyNotFound  = errors.New("family not found")
	ErrChildNotFound   = errors.New("child not found")
	ErrPINNotSet       = errors.New("child pin not set")
	ErrSessionNotFound = errors.New("kid session not found")
	ErrRoutineNotFound = errors.New("routine not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindFamilyIDByCode resolves the family a kid-facing family code belongs to.
func (r *PostgresRepository) FindFamilyIDByCode(ctx context.Context, familyCode string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT id FROM families WHERE upper(btrim(family_code)) = upper(btrim($1))`,
		familyCode,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrFamilyNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

const credentialColumns = `c.child_id, c.pin_hash, c.pin_salt, c.failed_attempts, c.locked_until`

func scanCredentials(rows pgx.Rows) ([]domain.ChildCredential, error) {
	defer rows.Close()

	creds := make([]domain.ChildCredential, 0)
	for rows.Next() {
		var cred domain.ChildCredential
		if err := rows.Scan(&cred.ChildID, &cred.PINHash, &cred.PINSalt, &cred.FailedAttempts, &cred.LockedUntil); err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// ListCredentialsByFamily returns PIN credentials of every child in a family, oldest child first.
func (r *PostgresRepository) ListCredentialsByFamily(ctx context.Context, familyID uuid.UUID) ([]domain.ChildCredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM child_pin_credentials c
		JOIN children ch ON ch.id = c.child_id
		WHERE ch.family_id = $1 AND c.pin_hash <> ''
		ORDER BY ch.created_at, ch.id
	`
	rows, err := r.db.Query(ctx, query, familyID)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// ListUnscopedLegacyCredentials returns credentials written before PINs were salted.
func (r *PostgresRepository) ListUnscopedLegacyCredentials(ctx context.Context) ([]domain.ChildCredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM child_pin_credentials c
		WHERE c.pin_salt IS NULL AND c.pin_hash LIKE '$2%'
		ORDER BY c.child_id
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// FindChildByID retrieves the child profile returned to the kid UI after verification.
func (r *PostgresRepository) FindChildByID(ctx context.Context, childID uuid.UUID) (*domain.Child, error) {
	var child domain.Child
	query := `SELECT id, parent_id, family_id, btrim(name), avatar_url FROM children WHERE id = $1`
	err := r.db.QueryRow(ctx, query, childID).Scan(&child.ID, &child.ParentID, &child.FamilyID, &child.Name, &child.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChildNotFound
		}
		return nil, err
	}
	return &child, nil
}

// IsChildOwnedByParent scopes parent-track access to the parent's own children.
func (r *PostgresRepository) IsChildOwnedByParent(ctx context.Context, childID, parentID uuid.UUID) (bool, error) {
	var owned bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM children WHERE id = $1 AND parent_id = $2)`,
		childID, parentID,
	).Scan(&owned)
	return owned, err
}

// RecordFailedPINAttempt atomically increments failed attempts and applies lockout.
// An expired lock restarts the count at 1.
func (r *PostgresRepository) RecordFailedPINAttempt(ctx context.Context, childID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.ChildCredential, error) {
	var cred domain.ChildCredential
	query := `
		WITH next AS (
			SELECT child_id,
				CASE
					WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
						OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
					ELSE failed_attempts + 1
				END AS attempts
			FROM child_pin_credentials
			WHERE child_id = $1
			FOR UPDATE
		)
		UPDATE child_pin_credentials c
		SET
			failed_attempts = next.attempts,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN c.locked_until IS NOT NULL AND c.locked_until > NOW() THEN c.locked_until
				WHEN next.attempts >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END,
			updated_at = NOW()
		FROM next
		WHERE c.child_id = next.child_id
		RETURNING ` + credentialColumns + `
	`
	err := r.db.QueryRow(ctx, query, childID, maxAttempts, lockoutDurationSeconds).Scan(
		&cred.ChildID,
		&cred.PINHash,
		&cred.PINSalt,
		&cred.FailedAttempts,
		&cred.LockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPINNotSet
		}
		return nil, err
	}
	return &cred, nil
}

// ResetPINFailureState clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetPINFailureState(ctx context.Context, childID uuid.UUID) error {
	query := `
		UPDATE child_pin_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL, updated_at = NOW()
		WHERE child_id = $1
	`
	result, err := r.db.Exec(ctx, query, childID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPINNotSet
	}
	return nil
}

// UpsertChildCredential stores a new PIN digest and clears any lockout.
func (r *PostgresRepository) UpsertChildCredential(ctx context.Context, childID uuid.UUID, pinHash, pinSalt string) error {
	query := `
		INSERT INTO child_pin_credentials (child_id, pin_hash, pin_salt, failed_attempts, locked_until)
		VALUES ($1, $2, $3, 0, NULL)
		ON CONFLICT (child_id)
		DO UPDATE SET
			pin_hash = EXCLUDED.pin_hash,
			pin_salt = EXCLUDED.pin_salt,
			failed_attempts = 0,
			last_failed_at = NULL,
			locked_until = NULL,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query, childID, strings.TrimSpace(pinHash), nullableString(pinSalt))
	if err != nil && isForeignKeyViolation(err) {
		return ErrChildNotFound
	}
	return err
}

func nullableString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
