package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/pin"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
	"github.com/chorechart/kidauth-service/internal/session"
	"github.com/chorechart/kidauth-service/internal/store/storetest"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
	closed bool
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() { p.closed = true }

func (p *publisherStub) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

// failingSessionRepo accepts credential calls but refuses to persist sessions.
type failingSessionRepo struct {
	*storetest.Repository
}

func (r failingSessionRepo) CreateKidSession(ctx context.Context, s *domain.KidSession) error {
	return errors.New("session insert failed")
}

type verificationFixture struct {
	clock      *testClock
	repo       *storetest.Repository
	limiter    *ratelimit.MemoryLimiter
	issuer     *session.Issuer
	publisher  *publisherStub
	service    *VerificationService
	familyCode string
	child      domain.Child
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func newVerificationFixture(t *testing.T, legacy bool) *verificationFixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)}
	repo := storetest.New()
	repo.Now = clock.Now

	familyID := repo.AddFamily("SUNNY")
	child := repo.AddChild(domain.Child{ParentID: uuid.New(), FamilyID: familyID, Name: "Maya"}, pin.Hash("1234", "saltA"), strPtr("saltA"))

	limiter := ratelimit.NewMemoryLimiter().WithClock(clock.Now)
	issuer := session.NewIssuer(repo, session.DefaultTTL).WithClock(clock.Now)
	publisher := &publisherStub{}
	service := NewVerificationService(repo, limiter, issuer, publisher, VerificationConfig{
		AddressLimit:     ratelimit.PINVerification,
		ChildMaxAttempts: 5,
		ChildLockout:     15 * time.Minute,
		LegacyUnscoped:   legacy,
		EventsExchange:   "chorechart.events",
	}, discardLogger()).WithClock(clock.Now)

	return &verificationFixture{
		clock:      clock,
		repo:       repo,
		limiter:    limiter,
		issuer:     issuer,
		publisher:  publisher,
		service:    service,
		familyCode: "SUNNY",
		child:      child,
	}
}

func (f *verificationFixture) verify(ip, candidate string) (*VerifyPINResult, error) {
	return f.service.VerifyPIN(context.Background(), ip, domain.VerifyPINRequest{PIN: candidate, FamilyCode: f.familyCode})
}

func (f *verificationFixture) verifyAs(ip, candidate string, childID uuid.UUID) (*VerifyPINResult, error) {
	return f.service.VerifyPIN(context.Background(), ip, domain.VerifyPINRequest{PIN: candidate, FamilyCode: f.familyCode, ChildID: childID.String()})
}

func (f *verificationFixture) addSibling(t *testing.T, name, childPIN string) domain.Child {
	t.Helper()
	familyID, err := f.repo.FindFamilyIDByCode(context.Background(), f.familyCode)
	require.NoError(t, err)
	salt := "salt-" + name
	return f.repo.AddChild(domain.Child{ParentID: f.child.ParentID, FamilyID: familyID, Name: name}, pin.Hash(childPIN, salt), strPtr(salt))
}

func (f *verificationFixture) failedAttempts(t *testing.T, childID uuid.UUID) int {
	t.Helper()
	cred, ok := f.repo.Credential(childID)
	require.True(t, ok)
	return cred.FailedAttempts
}

func (f *verificationFixture) addressRemaining(t *testing.T, ip string) int {
	t.Helper()
	res, err := f.limiter.Check(context.Background(), ratelimit.Key(ratelimit.NamespacePINVerify, ip), ratelimit.PINVerification)
	require.NoError(t, err)
	return res.Remaining
}

func TestVerifyPIN_SuccessIssuesSession(t *testing.T) {
	f := newVerificationFixture(t, false)

	res, err := f.verify("203.0.113.7", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Child)
	assert.Equal(t, f.child.ID, res.Child.ID)
	assert.Equal(t, "Maya", res.Child.Name)
	require.NotEmpty(t, res.KidToken)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), *res.ExpiresAt)

	childID, err := f.issuer.Validate(context.Background(), res.KidToken)
	require.NoError(t, err)
	assert.Equal(t, f.child.ID, childID)

	assert.Equal(t, []string{domain.EventsRoutingKidSessionIssued}, f.publisher.routingKeys())
}

func TestVerifyPIN_FamilyCodeIsCaseInsensitive(t *testing.T) {
	f := newVerificationFixture(t, false)
	f.familyCode = " sunny "

	res, err := f.verify("203.0.113.7", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestVerifyPIN_WrongPINCountsOnceAgainstAddress(t *testing.T) {
	f := newVerificationFixture(t, false)

	_, err := f.verify("203.0.113.7", "4321")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 3, f.addressRemaining(t, "203.0.113.7"))
	assert.Equal(t, 0, f.failedAttempts(t, f.child.ID))

	_, err = f.verifyAs("203.0.113.7", "4321", f.child.ID)
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, f.addressRemaining(t, "203.0.113.7"))

	cred, ok := f.repo.Credential(f.child.ID)
	require.True(t, ok)
	assert.Equal(t, 1, cred.FailedAttempts)
	assert.Nil(t, cred.LockedUntil)
}

func TestVerifyPIN_SixthAttemptFromSameAddressIsRateLimited(t *testing.T) {
	f := newVerificationFixture(t, false)
	ip := "203.0.113.7"

	for i := 0; i < 5; i++ {
		_, err := f.verify(ip, "4321")
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr, "attempt %d", i+1)
	}

	_, err := f.verify(ip, "1234")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 900, limited.RetryAfter)
	assert.Equal(t, 5, limited.Limit)
	assert.Equal(t, 0, limited.Remaining)

	f.clock.Advance(5 * time.Minute)
	_, err = f.verify(ip, "1234")
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 600, limited.RetryAfter)
}

func TestVerifyPIN_ChildLocksAfterRepeatedMissesAcrossAddresses(t *testing.T) {
	f := newVerificationFixture(t, false)

	for i := 0; i < 5; i++ {
		_, err := f.verifyAs("198.51.100."+string(rune('1'+i)), "0000", f.child.ID)
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
	}

	cred, ok := f.repo.Credential(f.child.ID)
	require.True(t, ok)
	require.NotNil(t, cred.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *cred.LockedUntil)

	_, err := f.verify("192.0.2.50", "1234")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 900, locked.RetryAfter)

	lockEvents := 0
	for _, key := range f.publisher.routingKeys() {
		if key == domain.EventsRoutingKidPINLocked {
			lockEvents++
		}
	}
	assert.Equal(t, 1, lockEvents)
}

func TestVerifyPIN_SiblingTyposDoNotLockOtherChildren(t *testing.T) {
	f := newVerificationFixture(t, false)
	sibling := f.addSibling(t, "Noah", "9999")

	for i := 0; i < 5; i++ {
		_, err := f.verify("198.51.100."+string(rune('1'+i)), "0000")
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
	}
	for i := 0; i < 5; i++ {
		_, err := f.verifyAs("198.51.101."+string(rune('1'+i)), "0000", f.child.ID)
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
	}
	assert.Equal(t, 0, f.failedAttempts(t, sibling.ID))

	res, err := f.verify("192.0.2.50", "9999")
	require.NoError(t, err)
	assert.Equal(t, sibling.ID, res.Child.ID)

	_, err = f.verify("192.0.2.51", "1234")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
}

func TestVerifyPIN_NamedChildOnlyMatchesThatChild(t *testing.T) {
	f := newVerificationFixture(t, false)
	sibling := f.addSibling(t, "Noah", "9999")

	_, err := f.verifyAs("203.0.113.7", "9999", f.child.ID)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, f.failedAttempts(t, f.child.ID))
	assert.Equal(t, 0, f.failedAttempts(t, sibling.ID))

	res, err := f.verifyAs("203.0.113.7", "9999", sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, sibling.ID, res.Child.ID)
}

func TestVerifyPIN_NamedChildOutsideFamilyIsNotCounted(t *testing.T) {
	f := newVerificationFixture(t, false)
	outsider := f.repo.AddChild(domain.Child{ParentID: uuid.New(), FamilyID: f.repo.AddFamily("RAINY"), Name: "Ava"}, pin.Hash("1234", "saltB"), strPtr("saltB"))

	_, err := f.verifyAs("203.0.113.7", "1234", outsider.ID)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, f.failedAttempts(t, outsider.ID))
	assert.Equal(t, 0, f.failedAttempts(t, f.child.ID))

	_, err = f.service.VerifyPIN(context.Background(), "203.0.113.7", domain.VerifyPINRequest{PIN: "1234", FamilyCode: f.familyCode, ChildID: "kid-1"})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, 3, f.addressRemaining(t, "203.0.113.7"))
}

func TestVerifyPIN_CorrectPINDoesNotBypassChildLock(t *testing.T) {
	f := newVerificationFixture(t, false)
	f.repo.SetLockedUntil(f.child.ID, f.clock.Now().Add(60*time.Second))

	_, err := f.verify("203.0.113.7", "1234")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 60, locked.RetryAfter)
	assert.Equal(t, 3, f.addressRemaining(t, "203.0.113.7"))
	assert.Equal(t, 0, f.repo.SessionCount(f.child.ID))

	f.clock.Advance(61 * time.Second)
	res, err := f.verify("203.0.113.7", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestVerifyPIN_LimiterChildLockIsHonoured(t *testing.T) {
	f := newVerificationFixture(t, false)
	childKey := ratelimit.Key(ratelimit.NamespacePINChild, f.child.ID.String())
	require.NoError(t, f.limiter.Lock(context.Background(), childKey, 2*time.Minute))

	_, err := f.verify("203.0.113.7", "1234")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 120, locked.RetryAfter)
}

func TestVerifyPIN_SuccessResetsAddressAndChildCounters(t *testing.T) {
	f := newVerificationFixture(t, false)
	ip := "203.0.113.7"

	for i := 0; i < 3; i++ {
		_, err := f.verify(ip, "9999")
		require.Error(t, err)
	}
	assert.Equal(t, 1, f.addressRemaining(t, ip))

	_, err := f.verify(ip, "1234")
	require.NoError(t, err)

	assert.Equal(t, 4, f.addressRemaining(t, ip))
	cred, ok := f.repo.Credential(f.child.ID)
	require.True(t, ok)
	assert.Equal(t, 0, cred.FailedAttempts)
	assert.Nil(t, cred.LockedUntil)
}

func TestVerifyPIN_ValidationErrorsAreRateLimited(t *testing.T) {
	f := newVerificationFixture(t, false)
	ip := "203.0.113.7"

	for _, bad := range []string{"", "12", "1234567", "12a4"} {
		_, err := f.verify(ip, bad)
		var validation *ValidationError
		require.ErrorAs(t, err, &validation, bad)
	}
	assert.Equal(t, 0, f.addressRemaining(t, ip))

	f.familyCode = ""
	_, err := f.verify("203.0.113.8", "1234")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "familyCode is required", validation.Message)
	assert.Equal(t, 3, f.addressRemaining(t, "203.0.113.8"))
}

func TestVerifyPIN_LookupFailuresLookLikeWrongPIN(t *testing.T) {
	f := newVerificationFixture(t, false)

	f.familyCode = "NOPE"
	_, errUnknown := f.verify("203.0.113.7", "1234")

	f.familyCode = "SUNNY"
	f.repo.Err = errors.New("connection refused")
	_, errStore := f.verify("203.0.113.8", "1234")

	var a, b *AuthenticationError
	require.ErrorAs(t, errUnknown, &a)
	require.ErrorAs(t, errStore, &b)
	assert.Equal(t, a.Message, b.Message)
}

func TestVerifyPIN_SessionFailureStillSucceedsWithoutToken(t *testing.T) {
	f := newVerificationFixture(t, false)
	issuer := session.NewIssuer(failingSessionRepo{f.repo}, session.DefaultTTL).WithClock(f.clock.Now)
	f.service.sessions = issuer

	res, err := f.verify("203.0.113.7", "1234")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.KidToken)
	assert.Nil(t, res.ExpiresAt)
	assert.Empty(t, f.publisher.routingKeys())
}

func TestVerifyPIN_PublishFailureDoesNotFailVerification(t *testing.T) {
	f := newVerificationFixture(t, false)
	f.publisher.err = errors.New("broker down")

	res, err := f.verify("203.0.113.7", "1234")
	require.NoError(t, err)
	assert.NotEmpty(t, res.KidToken)
}

func TestVerifyPIN_LegacyUnscopedPath(t *testing.T) {
	f := newVerificationFixture(t, true)
	digest, err := bcrypt.GenerateFromPassword([]byte("8642"), bcrypt.MinCost)
	require.NoError(t, err)
	legacyChild := f.repo.AddChild(domain.Child{ParentID: uuid.New(), FamilyID: uuid.New(), Name: "Leo"}, string(digest), nil)

	f.familyCode = ""
	res, err := f.verify("203.0.113.7", "8642")
	require.NoError(t, err)
	assert.Equal(t, legacyChild.ID, res.Child.ID)

	_, err = f.verify("203.0.113.7", "1234")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)

	cred, ok := f.repo.Credential(f.child.ID)
	require.True(t, ok)
	assert.Equal(t, 0, cred.FailedAttempts)
}
