// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/store"
)

// Repository is a map-backed store.Repository. Time-dependent queries use Now.
type Repository struct {
	mu sync.Mutex

	Now func() time.Time

	families    map[string]uuid.UUID
	children    map[uuid.UUID]domain.Child
	childOrder  []uuid.UUID
	credentials map[uuid.UUID]*domain.ChildCredential
	sessions    map[string]domain.KidSession
	routines    map[uuid.UUID]domain.Routine
	Completions []domain.RoutineCompletion
	Outbox      []store.OutboxMessage
	Published   []int64

	// Err, when set, is returned by every credential and session lookup.
	Err error
}

// New returns an empty repository using the wall clock.
func New() *Repository {
	return &Repository{
		Now:         time.Now,
		families:    make(map[string]uuid.UUID),
		children:    make(map[uuid.UUID]domain.Child),
		credentials: make(map[uuid.UUID]*domain.ChildCredential),
		sessions:    make(map[string]domain.KidSession),
		routines:    make(map[uuid.UUID]domain.Routine),
	}
}

// AddFamily registers a family code and returns the family id.
func (r *Repository) AddFamily(code string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.families[strings.ToUpper(strings.TrimSpace(code))] = id
	return id
}

// AddChild registers a child and, when pinHash is non-empty, its credential.
func (r *Repository) AddChild(child domain.Child, pinHash string, pinSalt *string) domain.Child {
	r.mu.Lock()
	defer r.mu.Unlock()
	if child.ID == uuid.Nil {
		child.ID = uuid.New()
	}
	r.children[child.ID] = child
	r.childOrder = append(r.childOrder, child.ID)
	if pinHash != "" {
		r.credentials[child.ID] = &domain.ChildCredential{ChildID: child.ID, PINHash: pinHash, PINSalt: pinSalt}
	}
	return child
}

// AddRoutine registers a routine.
func (r *Repository) AddRoutine(routine domain.Routine) domain.Routine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if routine.ID == uuid.Nil {
		routine.ID = uuid.New()
	}
	if routine.Steps == nil {
		routine.Steps = []domain.RoutineStep{}
	}
	r.routines[routine.ID] = routine
	return routine
}

// Credential returns a copy of a child's credential.
func (r *Repository) Credential(childID uuid.UUID) (domain.ChildCredential, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.credentials[childID]
	if !ok {
		return domain.ChildCredential{}, false
	}
	return *cred, true
}

// SetLockedUntil overrides a credential lockout.
func (r *Repository) SetLockedUntil(childID uuid.UUID, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred, ok := r.credentials[childID]; ok {
		cred.LockedUntil = &until
	}
}

// SessionCount returns the number of stored sessions for a child.
func (r *Repository) SessionCount(childID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.ChildID == childID {
			n++
		}
	}
	return n
}

// InsertSession stores a session as-is.
func (r *Repository) InsertSession(s domain.KidSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.TokenHash] = s
}

func (r *Repository) FindFamilyIDByCode(ctx context.Context, familyCode string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return uuid.Nil, r.Err
	}
	id, ok := r.families[strings.ToUpper(strings.TrimSpace(familyCode))]
	if !ok {
		return uuid.Nil, store.ErrFamilyNotFound
	}
	return id, nil
}

func (r *Repository) ListCredentialsByFamily(ctx context.Context, familyID uuid.UUID) ([]domain.ChildCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	creds := make([]domain.ChildCredential, 0)
	for _, id := range r.childOrder {
		if r.children[id].FamilyID != familyID {
			continue
		}
		if cred, ok := r.credentials[id]; ok && cred.PINHash != "" {
			creds = append(creds, *cred)
		}
	}
	return creds, nil
}

func (r *Repository) ListUnscopedLegacyCredentials(ctx context.Context) ([]domain.ChildCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	creds := make([]domain.ChildCredential, 0)
	for _, id := range r.childOrder {
		cred, ok := r.credentials[id]
		if ok && cred.PINSalt == nil && strings.HasPrefix(cred.PINHash, "$2") {
			creds = append(creds, *cred)
		}
	}
	return creds, nil
}

func (r *Repository) FindChildByID(ctx context.Context, childID uuid.UUID) (*domain.Child, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	child, ok := r.children[childID]
	if !ok {
		return nil, store.ErrChildNotFound
	}
	return &child, nil
}

func (r *Repository) IsChildOwnedByParent(ctx context.Context, childID, parentID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	child, ok := r.children[childID]
	return ok && child.ParentID == parentID, nil
}

func (r *Repository) RecordFailedPINAttempt(ctx context.Context, childID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.ChildCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.credentials[childID]
	if !ok {
		return nil, store.ErrPINNotSet
	}
	now := r.Now()
	lockExpired := cred.LockedUntil != nil && !cred.LockedUntil.After(now)
	if lockExpired || (cred.LockedUntil == nil && cred.FailedAttempts >= maxAttempts) {
		cred.FailedAttempts = 1
	} else {
		cred.FailedAttempts++
	}
	switch {
	case cred.LockedUntil != nil && cred.LockedUntil.After(now):
	case cred.FailedAttempts >= maxAttempts:
		until := now.Add(time.Duration(lockoutDurationSeconds) * time.Second)
		cred.LockedUntil = &until
	default:
		cred.LockedUntil = nil
	}
	out := *cred
	return &out, nil
}

func (r *Repository) ResetPINFailureState(ctx context.Context, childID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.credentials[childID]
	if !ok {
		return store.ErrPINNotSet
	}
	cred.FailedAttempts = 0
	cred.LockedUntil = nil
	return nil
}

func (r *Repository) UpsertChildCredential(ctx context.Context, childID uuid.UUID, pinHash, pinSalt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.children[childID]; !ok {
		return store.ErrChildNotFound
	}
	var salt *string
	if pinSalt != "" {
		salt = &pinSalt
	}
	r.credentials[childID] = &domain.ChildCredential{ChildID: childID, PINHash: pinHash, PINSalt: salt}
	return nil
}

func (r *Repository) CreateKidSession(ctx context.Context, session *domain.KidSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	session.CreatedAt = r.Now()
	stored := *session
	stored.Token = ""
	r.sessions[session.TokenHash] = stored
	return nil
}

func (r *Repository) FindActiveKidSession(ctx context.Context, tokenHash string, now time.Time) (*domain.KidSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	s, ok := r.sessions[tokenHash]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, store.ErrSessionNotFound
	}
	return &s, nil
}

func (r *Repository) DeleteKidSessionsByChild(ctx context.Context, childID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.sessions {
		if s.ChildID == childID {
			delete(r.sessions, k)
			n++
		}
	}
	return n, nil
}

func (r *Repository) DeleteExpiredKidSessions(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, k)
			n++
		}
	}
	return n, nil
}

func (r *Repository) ListRoutinesByChild(ctx context.Context, childID uuid.UUID) ([]domain.Routine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Routine, 0)
	for _, routine := range r.routines {
		if routine.ChildID == childID {
			out = append(out, routine)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) FindRoutineForChild(ctx context.Context, routineID, childID uuid.UUID) (*domain.Routine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	routine, ok := r.routines[routineID]
	if !ok || routine.ChildID != childID {
		return nil, store.ErrRoutineNotFound
	}
	return &routine, nil
}

func (r *Repository) CreateRoutineCompletionAndEnqueueEvent(ctx context.Context, completion *domain.RoutineCompletion, exchange, routingKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	routine, ok := r.routines[completion.RoutineID]
	if !ok || routine.ChildID != completion.ChildID {
		return store.ErrRoutineNotFound
	}
	completion.ID = uuid.New()
	completion.PointsAwarded = routine.Points
	completion.CompletedAt = r.Now()
	r.Completions = append(r.Completions, *completion)

	payload, err := json.Marshal(domain.RoutineCompletedEvent{
		CompletionID:  completion.ID.String(),
		RoutineID:     completion.RoutineID.String(),
		ChildID:       completion.ChildID.String(),
		PointsAwarded: completion.PointsAwarded,
		CompletedBy:   completion.CompletedBy,
		CompletedAt:   completion.CompletedAt,
	})
	if err != nil {
		return err
	}
	r.Outbox = append(r.Outbox, store.OutboxMessage{
		ID:         int64(len(r.Outbox) + 1),
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    payload,
	})
	return nil
}

func (r *Repository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.OutboxMessage, 0)
	for i := range r.Outbox {
		if r.published(r.Outbox[i].ID) {
			continue
		}
		r.Outbox[i].Attempts++
		out = append(out, r.Outbox[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Repository) published(id int64) bool {
	for _, p := range r.Published {
		if p == id {
			return true
		}
	}
	return false
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Published = append(r.Published, id)
	return nil
}

func (r *Repository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	return nil
}

var _ store.Repository = (*Repository)(nil)
