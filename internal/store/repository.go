/**
 * @description
 * Repository is the data access contract for kid verification, kid sessions,
 * routines, and the event outbox. Services depend on this interface so tests
 * can swap in stubs.
 *
 * @dependencies
 * - github.com/google/uuid
 * - internal/domain
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Family and credential methods
	FindFamilyIDByCode(ctx context.Context, familyCode string) (uuid.UUID, error)
	ListCredentialsByFamily(ctx context.Context, familyID uuid.UUID) ([]domain.ChildCredential, error)
	ListUnscopedLegacyCredentials(ctx context.Context) ([]domain.ChildCredential, error)
	FindChildByID(ctx context.Context, childID uuid.UUID) (*domain.Child, error)
	IsChildOwnedByParent(ctx context.Context, childID, parentID uuid.UUID) (bool, error)
	RecordFailedPINAttempt(ctx context.Context, childID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.ChildCredential, error)
	ResetPINFailureState(ctx context.Context, childID uuid.UUID) error
	UpsertChildCredential(ctx context.Context, childID uuid.UUID, pinHash, pinSalt string) error

	// Kid session methods
	CreateKidSession(ctx context.Context, session *domain.KidSession) error
	FindActiveKidSession(ctx context.Context, tokenHash string, now time.Time) (*domain.KidSession, error)
	DeleteKidSessionsByChild(ctx context.Context, childID uuid.UUID) (int64, error)
	DeleteExpiredKidSessions(ctx context.Context, now time.Time) (int64, error)

	// Routine methods
	ListRoutinesByChild(ctx context.Context, childID uuid.UUID) ([]domain.Routine, error)
	FindRoutineForChild(ctx context.Context, routineID, childID uuid.UUID) (*domain.Routine, error)
	CreateRoutineCompletionAndEnqueueEvent(ctx context.Context, completion *domain.RoutineCompletion, exchange, routingKey string) error

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxMessage is a claimed row of event_outbox.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
