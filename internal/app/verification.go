/**
 * @description
 * VerificationService runs the kid PIN verification flow: address rate check,
 * input validation, credential scan, per-child lockout, and session issuance.
 *
 * A miss only counts toward a child's lockout when the request names that
 * child. Family-wide misses are throttled by the address tier alone, so one
 * sibling's typos never lock another.
 *
 * Lookup failures during the scan are indistinguishable from a wrong PIN.
 * A correct PIN never bypasses an active child lockout, and an address
 * lockout is checked before anything else.
 *
 * @dependencies
 * - internal/ratelimit, internal/pin, internal/session: verification building blocks.
 * - internal/store: credential and session persistence.
 * - pkg/rabbitmq: kid.session.issued and kid.pin.locked notifications.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/pin"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
	"github.com/chorechart/kidauth-service/internal/session"
	"github.com/chorechart/kidauth-service/internal/store"
	"github.com/chorechart/kidauth-service/pkg/rabbitmq"
)

const (
	publishTimeout   = 3 * time.Second
	unknownClientKey = "unknown"
)

// VerificationConfig holds the policy values of the verification flow.
type VerificationConfig struct {
	AddressLimit     ratelimit.Config
	ChildMaxAttempts int
	ChildLockout     time.Duration
	LegacyUnscoped   bool
	EventsExchange   string
}

// VerifyPINResult is the success body of a verification. KidToken is empty
// when the session could not be persisted.
type VerifyPINResult struct {
	Success   bool          `json:"success"`
	Child     *domain.Child `json:"child"`
	KidToken  string        `json:"kidToken,omitempty"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

// VerificationService verifies kid PINs and issues kid sessions.
type VerificationService struct {
	repo      store.Repository
	limiter   ratelimit.Limiter
	sessions  *session.Issuer
	publisher rabbitmq.Publisher
	cfg       VerificationConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewVerificationService creates a VerificationService. publisher may be nil.
func NewVerificationService(
	repo store.Repository,
	limiter ratelimit.Limiter,
	sessions *session.Issuer,
	publisher rabbitmq.Publisher,
	cfg VerificationConfig,
	logger *slog.Logger,
) *VerificationService {
	if cfg.AddressLimit.MaxAttempts <= 0 || cfg.AddressLimit.Window <= 0 {
		cfg.AddressLimit = ratelimit.PINVerification
	}
	if cfg.ChildMaxAttempts <= 0 {
		cfg.ChildMaxAttempts = ratelimit.PINVerification.MaxAttempts
	}
	if cfg.ChildLockout < time.Second {
		cfg.ChildLockout = ratelimit.PINVerification.Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerificationService{
		repo:      repo,
		limiter:   limiter,
		sessions:  sessions,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "verification"),
		now:       time.Now,
	}
}

// WithClock replaces the service clock. Intended for tests.
func (s *VerificationService) WithClock(now func() time.Time) *VerificationService {
	s.now = now
	return s
}

// VerifyPIN verifies req on behalf of the caller at clientIP.
func (s *VerificationService) VerifyPIN(ctx context.Context, clientIP string, req domain.VerifyPINRequest) (*VerifyPINResult, error) {
	clientIP = strings.TrimSpace(clientIP)
	if clientIP == "" {
		clientIP = unknownClientKey
	}
	addressKey := ratelimit.Key(ratelimit.NamespacePINVerify, clientIP)

	check, err := s.limiter.Check(ctx, addressKey, s.cfg.AddressLimit)
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		s.logger.Info("pin verification rate limited", "client_ip", clientIP, "retry_after", check.RetryAfterSeconds())
		return nil, &RateLimitedError{
			RetryAfter: check.RetryAfterSeconds(),
			Limit:      s.cfg.AddressLimit.MaxAttempts,
			Remaining:  0,
			Reset:      check.ResetTime,
		}
	}

	if !pin.ValidFormat(req.PIN) {
		s.recordAddressAttempt(ctx, addressKey)
		return nil, &ValidationError{Message: "PIN must be 4 to 6 digits"}
	}
	familyCode := strings.TrimSpace(req.FamilyCode)
	if familyCode == "" && !s.cfg.LegacyUnscoped {
		s.recordAddressAttempt(ctx, addressKey)
		return nil, &ValidationError{Message: "familyCode is required"}
	}

	var named uuid.UUID
	if raw := strings.TrimSpace(req.ChildID); raw != "" {
		if named, err = uuid.Parse(raw); err != nil {
			s.recordAddressAttempt(ctx, addressKey)
			return nil, &ValidationError{Message: "childId must be a valid identifier"}
		}
	}

	target, matched, ok := s.scan(ctx, familyCode, named, req.PIN)
	if !ok {
		s.recordAddressAttempt(ctx, addressKey)
		if target != nil {
			s.recordChildFailure(ctx, *target, clientIP)
		}
		return nil, &AuthenticationError{Message: "Invalid PIN"}
	}

	if retryAfter, locked := s.childLockout(ctx, matched); locked {
		s.recordAddressAttempt(ctx, addressKey)
		s.logger.Info("pin verification rejected; child locked", "child_id", matched.ChildID, "client_ip", clientIP)
		return nil, &LockedError{RetryAfter: retryAfterSeconds(retryAfter)}
	}

	return s.succeed(ctx, matched, addressKey), nil
}

// scan returns the first matching credential in scope. When the request names
// a child, only that child's credential is checked and it is returned as the
// target of a miss. Misses without a named child have no target. Lookup
// failures are logged and treated as no match.
func (s *VerificationService) scan(ctx context.Context, familyCode string, named uuid.UUID, candidate string) (*domain.ChildCredential, domain.ChildCredential, bool) {
	if familyCode == "" {
		creds, err := s.repo.ListUnscopedLegacyCredentials(ctx)
		if err != nil {
			s.logger.Warn("legacy credential lookup failed", "error", err)
			return nil, domain.ChildCredential{}, false
		}
		if named != uuid.Nil {
			creds = onlyChild(creds, named)
		}
		matched, ok := pin.MatchLegacy(candidate, creds)
		// Unscoped misses never touch per-child counters.
		return nil, matched, ok
	}

	familyID, err := s.repo.FindFamilyIDByCode(ctx, familyCode)
	if err != nil {
		if !errors.Is(err, store.ErrFamilyNotFound) {
			s.logger.Warn("family lookup failed", "error", err)
		}
		return nil, domain.ChildCredential{}, false
	}
	creds, err := s.repo.ListCredentialsByFamily(ctx, familyID)
	if err != nil {
		s.logger.Warn("credential lookup failed", "error", err)
		return nil, domain.ChildCredential{}, false
	}
	if named == uuid.Nil {
		matched, ok := pin.Match(candidate, creds)
		return nil, matched, ok
	}

	creds = onlyChild(creds, named)
	if len(creds) == 0 {
		return nil, domain.ChildCredential{}, false
	}
	matched, ok := pin.Match(candidate, creds)
	return &creds[0], matched, ok
}

func onlyChild(creds []domain.ChildCredential, childID uuid.UUID) []domain.ChildCredential {
	for _, cred := range creds {
		if cred.ChildID == childID {
			return []domain.ChildCredential{cred}
		}
	}
	return nil
}

func (s *VerificationService) recordAddressAttempt(ctx context.Context, addressKey string) {
	if err := s.limiter.Record(ctx, addressKey, s.cfg.AddressLimit); err != nil {
		s.logger.Warn("failed to record pin attempt", "error", err)
	}
}

// recordChildFailure counts a miss against the named child and locks it when
// the threshold is reached.
func (s *VerificationService) recordChildFailure(ctx context.Context, before domain.ChildCredential, clientIP string) {
	now := s.now()
	lockoutSeconds := int(s.cfg.ChildLockout / time.Second)
	after, err := s.repo.RecordFailedPINAttempt(ctx, before.ChildID, s.cfg.ChildMaxAttempts, lockoutSeconds)
	if err != nil {
		s.logger.Warn("failed to record child pin failure", "child_id", before.ChildID, "error", err)
		return
	}
	if before.IsLocked(now) || !after.IsLocked(now) {
		return
	}

	until := *after.LockedUntil
	childKey := ratelimit.Key(ratelimit.NamespacePINChild, before.ChildID.String())
	if err := s.limiter.Lock(ctx, childKey, until.Sub(now)); err != nil {
		s.logger.Warn("failed to lock child in limiter", "child_id", before.ChildID, "error", err)
	}
	s.logger.Info("child pin locked", "child_id", before.ChildID, "client_ip", clientIP, "locked_until", until)
	s.notifyLocked(ctx, before.ChildID, until, clientIP)
}

// childLockout reports whether the matched child is locked, from either the
// stored credential or the limiter.
func (s *VerificationService) childLockout(ctx context.Context, cred domain.ChildCredential) (time.Duration, bool) {
	now := s.now()
	var wait time.Duration
	if cred.IsLocked(now) {
		wait = cred.LockedUntil.Sub(now)
	}

	childKey := ratelimit.Key(ratelimit.NamespacePINChild, cred.ChildID.String())
	res, err := s.limiter.Check(ctx, childKey, ratelimit.Config{MaxAttempts: s.cfg.ChildMaxAttempts, Window: s.cfg.ChildLockout})
	if err != nil {
		s.logger.Warn("child lock check failed", "child_id", cred.ChildID, "error", err)
	} else if !res.Allowed && res.LockedUntil != nil && res.RetryAfter > wait {
		wait = res.RetryAfter
	}
	return wait, wait > 0
}

func (s *VerificationService) succeed(ctx context.Context, cred domain.ChildCredential, addressKey string) *VerifyPINResult {
	if err := s.repo.ResetPINFailureState(ctx, cred.ChildID); err != nil {
		s.logger.Warn("failed to reset child pin failures", "child_id", cred.ChildID, "error", err)
	}
	if err := s.limiter.Reset(ctx, addressKey); err != nil {
		s.logger.Warn("failed to reset address limiter", "error", err)
	}
	if err := s.limiter.Reset(ctx, ratelimit.Key(ratelimit.NamespacePINChild, cred.ChildID.String())); err != nil {
		s.logger.Warn("failed to reset child limiter", "child_id", cred.ChildID, "error", err)
	}

	child, err := s.repo.FindChildByID(ctx, cred.ChildID)
	if err != nil {
		s.logger.Warn("child profile lookup failed", "child_id", cred.ChildID, "error", err)
		child = &domain.Child{ID: cred.ChildID}
	}
	result := &VerifyPINResult{Success: true, Child: child}

	kidSession, err := s.sessions.Issue(ctx, cred.ChildID)
	if err != nil {
		s.logger.Error("kid session issuance failed", "child_id", cred.ChildID, "error", err)
		return result
	}
	result.KidToken = kidSession.Token
	expiresAt := kidSession.ExpiresAt
	result.ExpiresAt = &expiresAt

	s.publish(ctx, domain.EventsRoutingKidSessionIssued, domain.KidSessionIssuedEvent{
		ChildID:   child.ID.String(),
		FamilyID:  familyIDString(child),
		ExpiresAt: expiresAt,
	})
	s.logger.Info("kid session issued", "child_id", cred.ChildID)
	return result
}

func (s *VerificationService) notifyLocked(ctx context.Context, childID uuid.UUID, until time.Time, clientIP string) {
	event := domain.KidPINLockedEvent{ChildID: childID.String(), LockedUntil: until, ClientIP: clientIP}
	if child, err := s.repo.FindChildByID(ctx, childID); err == nil {
		event.ParentID = child.ParentID.String()
	}
	s.publish(ctx, domain.EventsRoutingKidPINLocked, event)
}

func (s *VerificationService) publish(ctx context.Context, routingKey string, event interface{}) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, s.cfg.EventsExchange, routingKey, event); err != nil {
		s.logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
	}
}

func familyIDString(child *domain.Child) string {
	if child.FamilyID == uuid.Nil {
		return ""
	}
	return child.FamilyID.String()
}
