package login

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/errs"
	"github.com/storekit/storeauth/pkg/notification"
	"github.com/storekit/storeauth/pkg/tokengenerator"
)

type loginTestEnv struct {
	service  *LoginService
	repo     *account.FileAccountRepository
	notifier *notification.MockNotifier
}

func setupLoginEnv(t *testing.T) *loginTestEnv {
	t.Helper()

	repo, err := account.NewFileAccountRepository(t.TempDir())
	require.NoError(t, err)

	notifier := &notification.MockNotifier{}
	nm, err := notification.NewNotificationManagerWithOptions("http://localhost:4000",
		notification.WithNotifier(notification.EmailSystem, notifier),
		notification.WithDefaultTemplates(),
	)
	require.NoError(t, err)

	jwtService := tokengenerator.NewJwtService(
		tokengenerator.WithDefaultTokenGenerator(tokengenerator.NewJwtTokenGenerator("test-secret", "storekit", "storekit")),
		tokengenerator.WithTokenGenerator(tokengenerator.TEMP_TOKEN_NAME,
			tokengenerator.NewTempTokenGenerator("test-secret", "storekit", "storekit")),
	)

	service := NewLoginService(repo,
		WithNotificationManager(nm),
		WithJwtService(jwtService),
		// Minimum cost keeps the test suite fast
		WithPasswordHasher(&BcryptHasher{Cost: 4}),
	)

	return &loginTestEnv{service: service, repo: repo, notifier: notifier}
}

func (e *loginTestEnv) signupVerified(t *testing.T, username, email, password string) account.User {
	t.Helper()
	ctx := context.Background()

	result, err := e.service.Signup(ctx, username, email, password)
	require.NoError(t, err)
	require.NoError(t, e.repo.SetEmailVerified(ctx, result.User.ID))

	user, err := e.repo.GetByID(ctx, result.User.ID)
	require.NoError(t, err)
	return user
}

func TestSignup(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	result, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.User.Username)
	assert.False(t, result.User.EmailVerified)
	assert.NotEmpty(t, result.User.VerificationToken)
	assert.NotEqual(t, "secret-password", result.User.PasswordHash)

	require.Len(t, env.notifier.SentNotifications, 1)
	sent := env.notifier.SentNotifications[0]
	assert.Equal(t, "alice@example.com", sent.To)
	assert.Contains(t, sent.Data["Link"], result.User.VerificationToken)
}

func TestSignup_Validation(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"short username", "al", "alice@example.com", "secret-password"},
		{"bad email", "alice", "not-an-email", "secret-password"},
		{"short password", "alice", "alice@example.com", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Signup(ctx, tt.username, tt.email, tt.password)
			assert.True(t, errs.IsCode(err, errs.ErrCodeInvalidInput))
		})
	}
}

func TestSignup_Duplicates(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	_, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)

	_, err = env.service.Signup(ctx, "alice", "other@example.com", "secret-password")
	assert.True(t, errs.IsCode(err, errs.ErrCodeUserAlreadyExists))

	_, err = env.service.Signup(ctx, "alice2", "ALICE@example.com", "secret-password")
	assert.True(t, errs.IsCode(err, errs.ErrCodeUserAlreadyExists))
}

func TestSignup_MailFailureStillCreatesAccount(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	env.notifier.FailNext = true
	result, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)

	_, err = env.repo.GetByID(ctx, result.User.ID)
	assert.NoError(t, err)
}

func TestVerifyEmail(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	result, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)
	token := result.User.VerificationToken

	t.Run("unknown token", func(t *testing.T) {
		err := env.service.VerifyEmail(ctx, "bogus")
		assert.True(t, errs.IsCode(err, errs.ErrCodeTokenInvalid))
	})

	t.Run("valid token", func(t *testing.T) {
		require.NoError(t, env.service.VerifyEmail(ctx, token))

		user, err := env.repo.GetByID(ctx, result.User.ID)
		require.NoError(t, err)
		assert.True(t, user.EmailVerified)
	})

	t.Run("token consumed", func(t *testing.T) {
		err := env.service.VerifyEmail(ctx, token)
		assert.True(t, errs.IsCode(err, errs.ErrCodeTokenInvalid))
	})
}

func TestVerifyEmail_Expired(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	result, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)

	env.service.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	err = env.service.VerifyEmail(ctx, result.User.VerificationToken)
	assert.True(t, errs.IsCode(err, errs.ErrCodeTokenExpired))
}

func TestResendVerification(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	result, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)
	originalToken := result.User.VerificationToken

	require.NoError(t, env.service.ResendVerification(ctx, "alice@example.com"))

	user, err := env.repo.GetByID(ctx, result.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, originalToken, user.VerificationToken, "resend rotates the token")

	t.Run("unknown email is silently accepted", func(t *testing.T) {
		assert.NoError(t, env.service.ResendVerification(ctx, "nobody@example.com"))
	})

	t.Run("already verified rejected", func(t *testing.T) {
		require.NoError(t, env.repo.SetEmailVerified(ctx, result.User.ID))
		err := env.service.ResendVerification(ctx, "alice@example.com")
		assert.True(t, errs.IsCode(err, errs.ErrCodeValidationFailed))
	})
}

func TestLogin(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()
	user := env.signupVerified(t, "alice", "alice@example.com", "secret-password")

	t.Run("success issues tokens", func(t *testing.T) {
		result, err := env.service.Login(ctx, "alice", "secret-password")
		require.NoError(t, err)
		assert.False(t, result.RequiresTwoFactor)
		require.NotNil(t, result.Tokens)
		assert.NotEmpty(t, result.Tokens.AccessToken)
		assert.NotEmpty(t, result.Tokens.RefreshToken)
		assert.Equal(t, user.ID, result.User.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := env.service.Login(ctx, "alice", "wrong-password")
		assert.True(t, errs.IsCode(err, errs.ErrCodeInvalidCredentials))
	})

	t.Run("unknown username gets the same error", func(t *testing.T) {
		_, err := env.service.Login(ctx, "nobody", "secret-password")
		assert.True(t, errs.IsCode(err, errs.ErrCodeInvalidCredentials))
	})
}

func TestLogin_UnverifiedEmail(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()

	_, err := env.service.Signup(ctx, "alice", "alice@example.com", "secret-password")
	require.NoError(t, err)

	_, err = env.service.Login(ctx, "alice", "secret-password")
	assert.True(t, errs.IsCode(err, errs.ErrCodeEmailNotVerified))
}

func TestLogin_TwoFactorChallenge(t *testing.T) {
	env := setupLoginEnv(t)
	ctx := context.Background()
	user := env.signupVerified(t, "alice", "alice@example.com", "secret-password")

	require.NoError(t, env.repo.UpdateTwoFactor(ctx, user.ID, account.TwoFactorState{
		Mode:      account.TwoFactorEnabled,
		Method:    account.MethodApp,
		Secret:    "JBSWY3DPEHPK3PXP",
		EnabledAt: time.Now().UTC(),
	}))

	result, err := env.service.Login(ctx, "alice", "secret-password")
	require.NoError(t, err)
	assert.True(t, result.RequiresTwoFactor)
	assert.Equal(t, account.MethodApp, result.TwoFactorMethod)
	assert.NotEmpty(t, result.PendingToken)
	assert.Nil(t, result.Tokens, "no session before the challenge completes")
}

func TestBcryptHasher(t *testing.T) {
	hasher := &BcryptHasher{Cost: 4}

	hash, err := hasher.Hash("secret-password")
	require.NoError(t, err)

	ok, err := hasher.Verify("secret-password", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}
