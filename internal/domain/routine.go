package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routine is an ordered checklist a child runs on their own.
type Routine struct {
	ID          uuid.UUID     `json:"id"`
	ChildID     uuid.UUID     `json:"child_id"`
	Title       string        `json:"title"`
	Description *string       `json:"description,omitempty"`
	Points      int           `json:"points"`
	Steps       []RoutineStep `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
}

// RoutineStep is one item of a routine.
type RoutineStep struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Position int       `json:"position"`
}

// RoutineCompletion records a child finishing a routine.
type RoutineCompletion struct {
	ID            uuid.UUID `json:"id"`
	RoutineID     uuid.UUID `json:"routine_id"`
	ChildID       uuid.UUID `json:"child_id"`
	PointsAwarded int       `json:"points_awarded"`
	CompletedBy   string    `json:"completed_by"`
	CompletedAt   time.Time `json:"completed_at"`
}

// CompleteRoutineRequest is the body of a completion request.
type CompleteRoutineRequest struct {
	ChildID string `json:"childId"`
}

// VerifyPINRequest is the body of a kid PIN verification request. ChildID is
// optional; when set the PIN is only checked against that child and a miss
// counts toward that child's lockout.
type VerifyPINRequest struct {
	PIN        string `json:"pin"`
	FamilyCode string `json:"familyCode"`
	ChildID    string `json:"childId,omitempty"`
}

// SetPINRequest is the body of a parent PIN update.
type SetPINRequest struct {
	PIN string `json:"pin"`
}
