package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/pin"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
	"github.com/chorechart/kidauth-service/internal/session"
	"github.com/chorechart/kidauth-service/internal/store"
)

// CredentialService lets a parent set or change a child's PIN.
type CredentialService struct {
	repo     store.Repository
	limiter  ratelimit.Limiter
	sessions *session.Issuer
	logger   *slog.Logger
}

func NewCredentialService(repo store.Repository, limiter ratelimit.Limiter, sessions *session.Issuer, logger *slog.Logger) *CredentialService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialService{repo: repo, limiter: limiter, sessions: sessions, logger: logger.With("component", "credentials")}
}

// SetPIN stores a freshly salted PIN for childID, clears any lockout, and
// revokes the child's existing kid sessions. A PIN already held by a sibling
// is rejected, since verification resolves the child from the PIN alone.
func (s *CredentialService) SetPIN(ctx context.Context, principal authz.Principal, childID uuid.UUID, newPIN string) error {
	if principal.Kind != authz.KindParent {
		return ErrParentOnly
	}
	if err := authorizeChild(ctx, s.repo, principal, childID); err != nil {
		return err
	}
	if !pin.ValidFormat(newPIN) {
		return &ValidationError{Message: "PIN must be 4 to 6 digits"}
	}
	if err := s.ensureUniqueInFamily(ctx, childID, newPIN); err != nil {
		return err
	}

	salt, err := pin.NewSalt()
	if err != nil {
		return fmt.Errorf("generate pin salt: %w", err)
	}
	if err := s.repo.UpsertChildCredential(ctx, childID, pin.Hash(newPIN, salt), salt); err != nil {
		if errors.Is(err, store.ErrChildNotFound) {
			return ErrChildNotFound
		}
		return fmt.Errorf("store child pin: %w", err)
	}

	if err := s.limiter.Reset(ctx, ratelimit.Key(ratelimit.NamespacePINChild, childID.String())); err != nil {
		s.logger.Warn("failed to clear child limiter lock", "child_id", childID, "error", err)
	}
	revoked, err := s.sessions.RevokeChild(ctx, childID)
	if err != nil {
		return fmt.Errorf("revoke kid sessions: %w", err)
	}
	s.logger.Info("child pin updated", "child_id", childID, "parent_id", principal.ParentID, "revoked_sessions", revoked)
	return nil
}

func (s *CredentialService) ensureUniqueInFamily(ctx context.Context, childID uuid.UUID, newPIN string) error {
	child, err := s.repo.FindChildByID(ctx, childID)
	if err != nil {
		if errors.Is(err, store.ErrChildNotFound) {
			return ErrChildNotFound
		}
		return fmt.Errorf("load child: %w", err)
	}
	if child.FamilyID == uuid.Nil {
		return nil
	}
	creds, err := s.repo.ListCredentialsByFamily(ctx, child.FamilyID)
	if err != nil {
		return fmt.Errorf("list family credentials: %w", err)
	}

	siblings := make([]domain.ChildCredential, 0, len(creds))
	for _, cred := range creds {
		if cred.ChildID != childID {
			siblings = append(siblings, cred)
		}
	}
	if _, taken := pin.Match(newPIN, siblings); taken {
		return &ValidationError{Message: "PIN is already used by another child in this family"}
	}
	if _, taken := pin.MatchLegacy(newPIN, siblings); taken {
		return &ValidationError{Message: "PIN is already used by another child in this family"}
	}
	return nil
}
