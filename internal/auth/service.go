package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"budget-api/internal/apperror"
	"budget-api/internal/notify"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

const invalidCredentialsMessage = "Invalid email or password"

// UserStore is the credential store the session authority consults.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (bool, error)
}

// RevocationStore is the ledger interface the session authority writes to
// and consults during request verification.
type RevocationStore interface {
	Blacklist(ctx context.Context, rawToken, userID string) error
	IsBlacklisted(ctx context.Context, rawToken string) (bool, error)
	BlacklistAllForUser(ctx context.Context, userID string) error
	IsValidForUser(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
}

// Service orchestrates the session lifecycle over the codec, the revocation
// ledger and the credential store.
type Service struct {
	users      UserStore
	ledger     RevocationStore
	codec      *Codec
	mailer     notify.Mailer
	logger     *logrus.Logger
	bcryptCost int
	resetTTL   time.Duration
	now        func() time.Time
}

func NewService(users UserStore, ledger RevocationStore, codec *Codec, mailer notify.Mailer, logger *logrus.Logger, bcryptCost int, resetTTL time.Duration) *Service {
	return &Service{
		users:      users,
		ledger:     ledger,
		codec:      codec,
		mailer:     mailer,
		logger:     logger,
		bcryptCost: bcryptCost,
		resetTTL:   resetTTL,
		now:        time.Now,
	}
}

// Register creates the user and issues the first token pair. User creation
// is the durable step: if anything after it fails, the row stays and a
// retried registration sees "already registered".
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, TokenPair, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)

	if !emailRegex.MatchString(email) {
		return nil, TokenPair{}, apperror.NewValidation("email address is invalid")
	}
	if name == "" {
		return nil, TokenPair{}, apperror.NewValidation("name is required")
	}
	if err := ValidatePassword(password); err != nil {
		return nil, TokenPair{}, err
	}

	exists, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}
	if exists {
		return nil, TokenPair{}, apperror.NewValidation("an account with this email already exists")
	}

	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	user := &User{Email: email, PasswordHash: hash, Name: name}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	pair, err := s.codec.IssuePair(user)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	// Welcome mail is best-effort; registration already succeeded.
	if err := s.mailer.SendWelcome(ctx, user.Email, user.Name); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("welcome_mail_failed")
	}

	return user, pair, nil
}

// Login verifies credentials. A missing user and a wrong password produce
// the same error so accounts cannot be enumerated.
func (s *Service) Login(ctx context.Context, email, password string) (*User, TokenPair, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, TokenPair{}, apperror.NewAuth(invalidCredentialsMessage)
		}
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, TokenPair{}, apperror.NewAuth(invalidCredentialsMessage)
	}

	pair, err := s.codec.IssuePair(user)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	return user, pair, nil
}

// Refresh rotates the pair. The presented refresh token is blacklisted on
// success, making refresh tokens strictly single-use.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*User, TokenPair, error) {
	claims, err := s.codec.Verify(rawRefresh, KindRefresh)
	if err != nil {
		return nil, TokenPair{}, apperror.NewAuth("invalid or expired refresh token")
	}

	blacklisted, err := s.ledger.IsBlacklisted(ctx, rawRefresh)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}
	if blacklisted {
		return nil, TokenPair{}, apperror.NewAuth("invalid or expired refresh token")
	}

	valid, err := s.ledger.IsValidForUser(ctx, claims.Subject, claims.IssuedAt.Time)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}
	if !valid {
		return nil, TokenPair{}, apperror.NewAuth("invalid or expired refresh token")
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, TokenPair{}, apperror.NewAuth("invalid or expired refresh token")
		}
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	pair, err := s.codec.IssuePair(user)
	if err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	if err := s.ledger.Blacklist(ctx, rawRefresh, user.ID); err != nil {
		return nil, TokenPair{}, apperror.NewInternal(err)
	}

	return user, pair, nil
}

// Logout blacklists the access token when it verifies. From the caller's
// perspective logout always succeeds; the transport clears cookies either
// way.
func (s *Service) Logout(ctx context.Context, rawAccess string) {
	if rawAccess == "" {
		return
	}

	claims, err := s.codec.Verify(rawAccess, KindAccess)
	if err != nil {
		return
	}

	if err := s.ledger.Blacklist(ctx, rawAccess, claims.Subject); err != nil {
		s.logger.WithError(err).WithField("user_id", claims.Subject).Error("logout_blacklist_failed")
	}
}

// LogoutAll invalidates every token issued to the user up to and including
// this instant.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.ledger.BlacklistAllForUser(ctx, userID); err != nil {
		return apperror.NewInternal(err)
	}
	return nil
}

// RequestPasswordReset always reports success to the caller. When the email
// matches a user, a single-use token is stored and dispatched; mail failures
// are logged, never surfaced, and the token stays valid.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return apperror.NewInternal(err)
	}

	rawToken, err := randomToken(32)
	if err != nil {
		return apperror.NewInternal(err)
	}

	expiresAt := s.now().UTC().Add(s.resetTTL)
	if err := s.users.SetResetToken(ctx, user.ID, Fingerprint(rawToken), expiresAt); err != nil {
		return apperror.NewInternal(err)
	}

	if err := s.mailer.SendPasswordReset(ctx, user.Email, rawToken); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("reset_mail_failed")
	}

	return nil
}

// ResetPassword consumes a reset token. The check-and-swap is a single
// statement in the store, so a token succeeds at most once.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if strings.TrimSpace(rawToken) == "" {
		return apperror.NewValidation("reset token is invalid or has expired")
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return apperror.NewInternal(err)
	}

	consumed, err := s.users.ConsumeResetToken(ctx, Fingerprint(rawToken), hash)
	if err != nil {
		return apperror.NewInternal(err)
	}
	if !consumed {
		return apperror.NewValidation("reset token is invalid or has expired")
	}

	return nil
}

// VerifyRequest runs the full acceptance contract for a request-bearing
// access token: signature, expiry, kind, blacklist, logout-all cutoff, and
// subject resolution. Every failure surfaces as the same auth error; the
// failing step is only logged.
func (s *Service) VerifyRequest(ctx context.Context, rawAccess string) (*User, error) {
	denied := apperror.NewAuth("invalid or expired token")

	claims, err := s.codec.Verify(rawAccess, KindAccess)
	if err != nil {
		s.logger.Debug("verify_request_rejected: codec")
		return nil, denied
	}

	blacklisted, err := s.ledger.IsBlacklisted(ctx, rawAccess)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if blacklisted {
		s.logger.WithField("user_id", claims.Subject).Debug("verify_request_rejected: blacklisted")
		return nil, denied
	}

	valid, err := s.ledger.IsValidForUser(ctx, claims.Subject, claims.IssuedAt.Time)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if !valid {
		s.logger.WithField("user_id", claims.Subject).Debug("verify_request_rejected: logout_cutoff")
		return nil, denied
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.logger.WithField("user_id", claims.Subject).Debug("verify_request_rejected: unknown_subject")
			return nil, denied
		}
		return nil, apperror.NewInternal(err)
	}

	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
