// Package auth orchestrates the token lifecycle: registration, login,
// access/refresh pair issuance and refresh-token verification.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"authmesh.org/internal/audit"
	"authmesh.org/internal/event"
	"authmesh.org/internal/identity"
	"authmesh.org/internal/obs"
	"authmesh.org/internal/token"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

// ErrUnauthorized covers every authentication failure surfaced to callers:
// bad credentials, unknown refresh token, expired refresh token. The log
// records the specific reason; the client sees one uniform rejection.
var ErrUnauthorized = errors.New("auth: unauthorized")

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Service is the token lifecycle manager.
type Service struct {
	users   identity.UserStore
	refresh identity.RefreshTokenStore
	issuer  *token.Issuer
	hasher  Hasher
	events  event.Publisher

	now         func() time.Time
	refreshTTL  time.Duration
	rotateOnUse bool
}

// Option configures Service behavior.
type Option func(*Service)

// WithPublisher wires the identity event publisher. Without one,
// registration still succeeds and no event is emitted.
func WithPublisher(p event.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithRefreshTTL configures refresh-token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRotateOnUse makes refresh tokens single-use: the consumed record is
// deleted when a new pair is minted. Off by default, matching the original
// multi-device behavior where an old value stays live until expiry.
func WithRotateOnUse(rotate bool) Option {
	return func(s *Service) { s.rotateOnUse = rotate }
}

// WithClock overrides the time source (useful for tests). The same clock
// should be handed to the token issuer so expiry checks cannot drift.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the lifecycle manager.
func NewService(users identity.UserStore, refresh identity.RefreshTokenStore, issuer *token.Issuer, opts ...Option) *Service {
	s := &Service{
		users:      users,
		refresh:    refresh,
		issuer:     issuer,
		hasher:     BcryptHasher{},
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new principal with the USER role, publishes the
// identity.created event and issues the first token pair. A duplicate email
// yields identity.ErrAlreadyExists and leaves storage untouched.
func (s *Service) Register(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, identity.ErrInvalidInput
	}

	_, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return TokenPair{}, identity.ErrAlreadyExists
	case !errors.Is(err, identity.ErrNotFound):
		return TokenPair{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash password: %w", err)
	}

	user := &identity.User{
		Email:        email,
		PasswordHash: hash,
		Roles:        []identity.Role{identity.RoleUser},
	}
	if err := s.users.Create(ctx, user); err != nil {
		return TokenPair{}, err
	}

	// The authoritative write has committed; a publish failure is logged
	// and must never roll back or fail the registration.
	s.publishCreated(ctx, user)

	return s.GenerateTokens(ctx, user)
}

// Login authenticates by email and password and issues a fresh pair.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, ErrUnauthorized
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		return TokenPair{}, ErrUnauthorized
	}
	return s.GenerateTokens(ctx, user)
}

// GenerateTokens composes access-token signing with refresh-token creation.
// Either both legs succeed or the whole operation fails; no partial pair is
// ever returned.
func (s *Service) GenerateTokens(ctx context.Context, user *identity.User) (TokenPair, error) {
	access, accessExp, err := s.issuer.Issue(user)
	if err != nil {
		return TokenPair{}, err
	}
	rec := &identity.RefreshToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		ExpiresAt: s.now().UTC().Add(s.refreshTTL),
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return TokenPair{}, fmt.Errorf("create refresh token: %w", err)
	}

	obs.TokensIssued.Inc()
	_ = audit.LogEvent(ctx, "auth.tokens.issued", map[string]any{
		"user_id":    user.ID,
		"expires_at": accessExp.Format(time.RFC3339),
	})

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rec.Token,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh verifies a refresh-token value and mints a brand-new pair. Unknown
// and expired values both come back as ErrUnauthorized; the audit log keeps
// them distinguishable.
func (s *Service) Refresh(ctx context.Context, value string) (TokenPair, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return TokenPair{}, ErrUnauthorized
	}

	rec, err := s.refresh.FindByValue(ctx, value)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.rejectRefresh(ctx, "unknown", 0)
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if s.now().UTC().After(rec.ExpiresAt) {
		s.rejectRefresh(ctx, "expired", rec.UserID)
		return TokenPair{}, ErrUnauthorized
	}

	user, err := s.users.Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			s.rejectRefresh(ctx, "orphaned", rec.UserID)
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}

	pair, err := s.GenerateTokens(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}

	// Rotation deletes the consumed value only after the new pair exists.
	// A failed issuance must leave the old value usable for retry; a failed
	// delete merely leaves it live, which is the non-rotating default.
	if s.rotateOnUse {
		if err := s.refresh.Delete(ctx, value); err != nil {
			obs.Error("retire consumed refresh token", err, map[string]any{"user_id": user.ID})
		}
	}

	return pair, nil
}

func (s *Service) publishCreated(ctx context.Context, user *identity.User) {
	if s.events == nil {
		return
	}
	evt, err := event.NewIdentityCreated(user, s.now())
	if err == nil {
		err = s.events.Publish(ctx, evt)
	}
	if err != nil {
		obs.EventPublishFailures.Inc()
		obs.Error("identity.created publish failed", err, map[string]any{"user_id": user.ID})
		return
	}
	obs.EventsPublished.Inc()
	_ = audit.LogEvent(ctx, "identity.created.published", map[string]any{
		"user_id": user.ID,
		"event":   evt.ID,
	})
}

func (s *Service) rejectRefresh(ctx context.Context, reason string, userID int64) {
	obs.RefreshRejected.WithLabelValues(reason).Inc()
	fields := map[string]any{"reason": reason}
	if userID != 0 {
		fields["user_id"] = userID
	}
	_ = audit.LogEvent(ctx, "auth.refresh.rejected", fields)
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
