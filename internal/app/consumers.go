/**
 * @description
 * Event handlers for messages consumed from the parent app. A removed child
 * loses every kid session and any limiter state keyed on it.
 */
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
)

const consumerTimeout = 15 * time.Second

// SessionRevoker deletes all kid sessions of a child.
type SessionRevoker interface {
	RevokeChild(ctx context.Context, childID uuid.UUID) (int64, error)
}

// ChildEventHandler handles child lifecycle events.
type ChildEventHandler struct {
	sessions SessionRevoker
	limiter  ratelimit.Limiter
	logger   *slog.Logger
}

func NewChildEventHandler(sessions SessionRevoker, limiter ratelimit.Limiter, logger *slog.Logger) *ChildEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChildEventHandler{sessions: sessions, limiter: limiter, logger: logger.With("component", "child_events")}
}

// HandleChildRemoved revokes the removed child's sessions. Malformed messages
// are acked; storage failures are requeued.
func (h *ChildEventHandler) HandleChildRemoved(body []byte) bool {
	var event domain.ChildRemovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("malformed child.removed event; acking", "error", err)
		return true
	}
	childID, err := uuid.Parse(event.ChildID)
	if err != nil {
		h.logger.Warn("child.removed event without a valid child id; acking", "child_id", event.ChildID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	revoked, err := h.sessions.RevokeChild(ctx, childID)
	if err != nil {
		h.logger.Error("failed to revoke sessions of removed child", "child_id", childID, "error", err)
		return false
	}
	if h.limiter != nil {
		if err := h.limiter.Reset(ctx, ratelimit.Key(ratelimit.NamespacePINChild, childID.String())); err != nil {
			h.logger.Warn("failed to clear child limiter state", "child_id", childID, "error", err)
		}
	}
	h.logger.Info("kid sessions revoked for removed child", "child_id", childID, "revoked", revoked)
	return true
}
