package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/store"
)

// RoutineService serves the routine endpoints guarded by the dual-auth gate.
type RoutineService struct {
	repo           store.Repository
	eventsExchange string
	logger         *slog.Logger
}

func NewRoutineService(repo store.Repository, eventsExchange string, logger *slog.Logger) *RoutineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutineService{repo: repo, eventsExchange: eventsExchange, logger: logger.With("component", "routines")}
}

// authorizeChild scopes a principal to childID. Kid principals may only act
// on their own child; parents only on children they own.
func authorizeChild(ctx context.Context, repo store.Repository, principal authz.Principal, childID uuid.UUID) error {
	if childID == uuid.Nil {
		return &ValidationError{Message: "childId is required"}
	}
	if err := principal.Permits(childID); err != nil {
		if errors.Is(err, authz.ErrForbidden) {
			return &AuthorizationError{}
		}
		return err
	}
	if principal.Kind != authz.KindParent {
		return nil
	}
	owned, err := repo.IsChildOwnedByParent(ctx, childID, principal.ParentID)
	if err != nil {
		return fmt.Errorf("check child ownership: %w", err)
	}
	if !owned {
		return ErrChildNotFound
	}
	return nil
}

// ResolveChildID picks the child a request targets. A kid principal with no
// explicit child defaults to its own.
func ResolveChildID(principal authz.Principal, requested uuid.UUID) uuid.UUID {
	if requested == uuid.Nil && principal.Kind == authz.KindKid {
		return principal.ChildID
	}
	return requested
}

func (s *RoutineService) ListRoutines(ctx context.Context, principal authz.Principal, childID uuid.UUID) ([]domain.Routine, error) {
	if err := authorizeChild(ctx, s.repo, principal, childID); err != nil {
		return nil, err
	}
	return s.repo.ListRoutinesByChild(ctx, childID)
}

func (s *RoutineService) GetRoutine(ctx context.Context, principal authz.Principal, routineID, childID uuid.UUID) (*domain.Routine, error) {
	if err := authorizeChild(ctx, s.repo, principal, childID); err != nil {
		return nil, err
	}
	routine, err := s.repo.FindRoutineForChild(ctx, routineID, childID)
	if err != nil {
		if errors.Is(err, store.ErrRoutineNotFound) {
			return nil, ErrRoutineNotFound
		}
		return nil, err
	}
	return routine, nil
}

// CompleteRoutine records a completion and enqueues routine.completed with it.
func (s *RoutineService) CompleteRoutine(ctx context.Context, principal authz.Principal, routineID, childID uuid.UUID) (*domain.RoutineCompletion, error) {
	if err := authorizeChild(ctx, s.repo, principal, childID); err != nil {
		return nil, err
	}
	completion := &domain.RoutineCompletion{
		RoutineID:   routineID,
		ChildID:     childID,
		CompletedBy: string(principal.Kind),
	}
	if err := s.repo.CreateRoutineCompletionAndEnqueueEvent(ctx, completion, s.eventsExchange, domain.EventsRoutingRoutineCompleted); err != nil {
		if errors.Is(err, store.ErrRoutineNotFound) {
			return nil, ErrRoutineNotFound
		}
		return nil, err
	}
	s.logger.Info("routine completed", "routine_id", routineID, "child_id", childID, "completed_by", completion.CompletedBy)
	return completion, nil
}
