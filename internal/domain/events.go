package domain

import "time"

const (
	EventsRoutingKidSessionIssued = "kid.session.issued"
	EventsRoutingKidPINLocked     = "kid.pin.locked"
	EventsRoutingRoutineCompleted = "routine.completed"

	// Published by the parent app when a child profile is deleted.
	EventsRoutingChildRemoved = "child.removed"
)

type KidSessionIssuedEvent struct {
	ChildID   string    `json:"child_id"`
	FamilyID  string    `json:"family_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type KidPINLockedEvent struct {
	ChildID     string    `json:"child_id"`
	ParentID    string    `json:"parent_id"`
	LockedUntil time.Time `json:"locked_until"`
	ClientIP    string    `json:"client_ip,omitempty"`
}

type RoutineCompletedEvent struct {
	CompletionID  string    `json:"completion_id"`
	RoutineID     string    `json:"routine_id"`
	ChildID       string    `json:"child_id"`
	PointsAwarded int       `json:"points_awarded"`
	CompletedBy   string    `json:"completed_by"`
	CompletedAt   time.Time `json:"completed_at"`
}

type ChildRemovedEvent struct {
	ChildID  string `json:"child_id"`
	ParentID string `json:"parent_id"`
}
