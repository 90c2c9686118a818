package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"budget-api/internal/apperror"
	"budget-api/internal/observability"
)

// --- in-memory fakes ---

type memUserStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]*User

	createErr error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byID: make(map[string]*User), byEmail: make(map[string]*User)}
}

func (s *memUserStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	s.byID[user.ID] = &clone
	s.byEmail[user.Email] = &clone
	return nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *memUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *memUserStore) EmailExists(ctx context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byEmail[email]
	return ok, nil
}

func (s *memUserStore) SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.ResetTokenHash = &tokenHash
	user.ResetTokenExpiresAt = &expiresAt
	return nil
}

func (s *memUserStore) ConsumeResetToken(ctx context.Context, tokenHash, newPasswordHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.byID {
		if user.ResetTokenHash == nil || *user.ResetTokenHash != tokenHash {
			continue
		}
		if user.ResetTokenExpiresAt == nil || !user.ResetTokenExpiresAt.After(time.Now().UTC()) {
			return false, nil
		}
		user.PasswordHash = newPasswordHash
		user.ResetTokenHash = nil
		user.ResetTokenExpiresAt = nil
		return true, nil
	}
	return false, nil
}

type memRevocationStore struct {
	mu             sync.Mutex
	blacklisted    map[string]bool
	logoutCutoffs  map[string]time.Time
	blacklistCalls int
	now            func() time.Time
}

func newMemRevocationStore() *memRevocationStore {
	return &memRevocationStore{
		blacklisted:   make(map[string]bool),
		logoutCutoffs: make(map[string]time.Time),
		now:           time.Now,
	}
}

func (s *memRevocationStore) Blacklist(ctx context.Context, rawToken, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklistCalls++
	s.blacklisted[Fingerprint(rawToken)] = true
	return nil
}

func (s *memRevocationStore) IsBlacklisted(ctx context.Context, rawToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklisted[Fingerprint(rawToken)], nil
}

func (s *memRevocationStore) BlacklistAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutCutoffs[userID] = s.now().UTC()
	return nil
}

func (s *memRevocationStore) IsValidForUser(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff, ok := s.logoutCutoffs[userID]
	if !ok {
		return true, nil
	}
	return issuedAt.After(cutoff), nil
}

type recordingMailer struct {
	mu          sync.Mutex
	welcomes    []string
	resetTokens map[string]string
	sendErr     error
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{resetTokens: make(map[string]string)}
}

func (m *recordingMailer) SendWelcome(ctx context.Context, email, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.welcomes = append(m.welcomes, email)
	return nil
}

func (m *recordingMailer) SendPasswordReset(ctx context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.resetTokens[email] = token
	return nil
}

func (m *recordingMailer) lastResetToken(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetTokens[email]
}

// --- harness ---

type serviceFixture struct {
	service *Service
	users   *memUserStore
	ledger  *memRevocationStore
	mailer  *recordingMailer
	codec   *Codec
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	users := newMemUserStore()
	ledger := newMemRevocationStore()
	mailer := newRecordingMailer()
	codec := NewCodec("0123456789abcdef0123456789abcdef", 15*time.Minute, 7*24*time.Hour)
	logger := observability.NewLogger("test")

	service := NewService(users, ledger, codec, mailer, logger, 4, time.Hour)
	return &serviceFixture{service: service, users: users, ledger: ledger, mailer: mailer, codec: codec}
}

const strongPassword = "Str0ng!pass"

func (f *serviceFixture) register(t *testing.T, email string) (*User, TokenPair) {
	t.Helper()
	user, pair, err := f.service.Register(context.Background(), email, strongPassword, "Anna")
	require.NoError(t, err)
	return user, pair
}

// --- tests ---

func TestRegisterThenVerifyRequest(t *testing.T) {
	f := newServiceFixture(t)

	user, pair := f.register(t, "anna@example.com")
	require.NotEmpty(t, user.ID)

	verified, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)
	assert.Equal(t, []string{"anna@example.com"}, f.mailer.welcomes)
}

func TestRegisterNormalizesEmail(t *testing.T) {
	f := newServiceFixture(t)

	user, _ := f.register(t, "  Anna@Example.COM ")
	assert.Equal(t, "anna@example.com", user.Email)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newServiceFixture(t)

	first, _ := f.register(t, "anna@example.com")

	_, _, err := f.service.Register(context.Background(), "anna@example.com", strongPassword, "Imposter")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.Status)
	assert.Contains(t, appErr.Message, "already exists")

	kept, err := f.users.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna", kept.Name)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.service.Register(context.Background(), "anna@example.com", "password", "Anna")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.Status)
}

func TestRegisterSucceedsWhenWelcomeMailFails(t *testing.T) {
	f := newServiceFixture(t)
	f.mailer.sendErr = assert.AnError

	_, pair, err := f.service.Register(context.Background(), "anna@example.com", strongPassword, "Anna")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "anna@example.com")

	_, _, wrongPassword := f.service.Login(context.Background(), "anna@example.com", "Wr0ng!pass")
	_, _, unknownEmail := f.service.Login(context.Background(), "ghost@example.com", strongPassword)

	var errA, errB *apperror.Error
	require.ErrorAs(t, wrongPassword, &errA)
	require.ErrorAs(t, unknownEmail, &errB)
	assert.Equal(t, errA.Status, errB.Status)
	assert.Equal(t, errA.Message, errB.Message)
	assert.Equal(t, 401, errA.Status)
}

func TestLoginSuccess(t *testing.T) {
	f := newServiceFixture(t)
	registered, _ := f.register(t, "anna@example.com")

	user, pair, err := f.service.Login(context.Background(), "anna@example.com", strongPassword)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	verified, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, verified.ID)
}

func TestRefreshRotatesAndRevokesOldToken(t *testing.T) {
	f := newServiceFixture(t)
	_, pair := f.register(t, "anna@example.com")

	_, rotated, err := f.service.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The consumed refresh token is single-use.
	_, _, err = f.service.Refresh(context.Background(), pair.RefreshToken)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)

	// The rotated one still works.
	_, _, err = f.service.Refresh(context.Background(), rotated.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newServiceFixture(t)
	_, pair := f.register(t, "anna@example.com")

	_, _, err := f.service.Refresh(context.Background(), pair.AccessToken)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)
}

func TestVerifyRequestRejectsRefreshToken(t *testing.T) {
	f := newServiceFixture(t)
	_, pair := f.register(t, "anna@example.com")

	_, err := f.service.VerifyRequest(context.Background(), pair.RefreshToken)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)
}

func TestLogoutBlacklistsAccessToken(t *testing.T) {
	f := newServiceFixture(t)
	_, pair := f.register(t, "anna@example.com")

	f.service.Logout(context.Background(), pair.AccessToken)

	// Signature and expiry are individually still fine.
	_, err := f.codec.Verify(pair.AccessToken, KindAccess)
	require.NoError(t, err)

	_, err = f.service.VerifyRequest(context.Background(), pair.AccessToken)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	_, pair := f.register(t, "anna@example.com")

	f.service.Logout(context.Background(), pair.AccessToken)
	f.service.Logout(context.Background(), pair.AccessToken)

	assert.Equal(t, 2, f.ledger.blacklistCalls)
	_, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestLogoutWithInvalidTokenIsNoop(t *testing.T) {
	f := newServiceFixture(t)

	f.service.Logout(context.Background(), "garbage")
	f.service.Logout(context.Background(), "")

	assert.Zero(t, f.ledger.blacklistCalls)
}

func TestLogoutAllCutoffBoundary(t *testing.T) {
	f := newServiceFixture(t)

	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := issuedAt
	f.codec.now = func() time.Time { return current }
	f.ledger.now = func() time.Time { return current }

	user, pair := f.register(t, "anna@example.com")

	// Logout-all lands on the exact issuance instant; equality invalidates.
	require.NoError(t, f.service.LogoutAll(context.Background(), user.ID))

	_, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	assert.Error(t, err)
	_, _, err = f.service.Refresh(context.Background(), pair.RefreshToken)
	assert.Error(t, err)

	// A pair issued strictly after the cutoff passes.
	current = issuedAt.Add(time.Second)
	fresh, err := f.codec.IssuePair(user)
	require.NoError(t, err)

	verified, err := f.service.VerifyRequest(context.Background(), fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)
}

func TestVerifyRequestRejectsExpiredToken(t *testing.T) {
	f := newServiceFixture(t)

	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := issuedAt
	codec := NewCodec("0123456789abcdef0123456789abcdef", time.Second, time.Hour)
	codec.now = func() time.Time { return current }
	f.service.codec = codec
	f.codec = codec

	_, pair := f.register(t, "anna@example.com")

	current = issuedAt.Add(2 * time.Second)
	_, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 401, appErr.Status)
}

func TestVerifyRequestRejectsDeletedUser(t *testing.T) {
	f := newServiceFixture(t)
	user, pair := f.register(t, "anna@example.com")

	f.users.mu.Lock()
	delete(f.users.byID, user.ID)
	delete(f.users.byEmail, user.Email)
	f.users.mu.Unlock()

	_, err := f.service.VerifyRequest(context.Background(), pair.AccessToken)
	assert.Error(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "anna@example.com")

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "anna@example.com"))
	token := f.mailer.lastResetToken("anna@example.com")
	require.NotEmpty(t, token)

	require.NoError(t, f.service.ResetPassword(context.Background(), token, "N3w!passw0rd"))

	// Old password no longer works, new one does.
	_, _, err := f.service.Login(context.Background(), "anna@example.com", strongPassword)
	assert.Error(t, err)
	_, _, err = f.service.Login(context.Background(), "anna@example.com", "N3w!passw0rd")
	assert.NoError(t, err)
}

func TestPasswordResetTokenIsSingleUse(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "anna@example.com")

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "anna@example.com"))
	token := f.mailer.lastResetToken("anna@example.com")

	require.NoError(t, f.service.ResetPassword(context.Background(), token, "N3w!passw0rd"))

	err := f.service.ResetPassword(context.Background(), token, "An0ther!pass")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.Status)
	assert.Contains(t, appErr.Message, "invalid or has expired")
}

func TestPasswordResetSupersededByNewToken(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "anna@example.com")

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "anna@example.com"))
	first := f.mailer.lastResetToken("anna@example.com")
	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "anna@example.com"))
	second := f.mailer.lastResetToken("anna@example.com")
	require.NotEqual(t, first, second)

	assert.Error(t, f.service.ResetPassword(context.Background(), first, "N3w!passw0rd"))
	assert.NoError(t, f.service.ResetPassword(context.Background(), second, "N3w!passw0rd"))
}

func TestRequestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	f := newServiceFixture(t)

	err := f.service.RequestPasswordReset(context.Background(), "ghost@example.com")
	assert.NoError(t, err)
	assert.Empty(t, f.mailer.resetTokens)
}

func TestResetPasswordRejectsWeakPassword(t *testing.T) {
	f := newServiceFixture(t)
	f.register(t, "anna@example.com")

	require.NoError(t, f.service.RequestPasswordReset(context.Background(), "anna@example.com"))
	token := f.mailer.lastResetToken("anna@example.com")

	err := f.service.ResetPassword(context.Background(), token, "weak")
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.Status)

	// The token survives a rejected password and works afterwards.
	assert.NoError(t, f.service.ResetPassword(context.Background(), token, "N3w!passw0rd"))
}
