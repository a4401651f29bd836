package account

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRepo(t *testing.T) *FileAccountRepository {
	t.Helper()

	repo, err := NewFileAccountRepository(t.TempDir())
	require.NoError(t, err)
	return repo
}

func createTestUser(t *testing.T, repo *FileAccountRepository) User {
	t.Helper()

	user, err := repo.Create(context.Background(), CreateUserParams{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "$2a$10$hash",
	})
	require.NoError(t, err)
	return user
}

func TestFileAccountRepository_Create(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	user := createTestUser(t, repo)
	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.False(t, user.EmailVerified)
	assert.Equal(t, TwoFactorOff, user.TwoFactor.Mode)
	assert.Equal(t, MethodNone, user.TwoFactor.Method)

	t.Run("duplicate username rejected", func(t *testing.T) {
		_, err := repo.Create(ctx, CreateUserParams{
			Username:     "alice",
			Email:        "other@example.com",
			PasswordHash: "$2a$10$hash",
		})
		assert.Error(t, err)
	})

	t.Run("duplicate email rejected case-insensitively", func(t *testing.T) {
		_, err := repo.Create(ctx, CreateUserParams{
			Username:     "alice2",
			Email:        "ALICE@example.com",
			PasswordHash: "$2a$10$hash",
		})
		assert.Error(t, err)
	})
}

func TestFileAccountRepository_Lookups(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)

	t.Run("by id", func(t *testing.T) {
		got, err := repo.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Username, got.Username)
	})

	t.Run("by username", func(t *testing.T) {
		got, err := repo.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("by email case-insensitive", func(t *testing.T) {
		got, err := repo.GetByEmail(ctx, "ALICE@EXAMPLE.COM")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = repo.GetByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFileAccountRepository_EmailVerification(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)

	expires := time.Now().UTC().Add(24 * time.Hour)
	err := repo.SetVerificationToken(ctx, user.ID, "token-abc", expires)
	require.NoError(t, err)

	got, err := repo.GetByVerificationToken(ctx, "token-abc")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	// Empty token never matches
	_, err = repo.GetByVerificationToken(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.SetEmailVerified(ctx, user.ID)
	require.NoError(t, err)

	got, err = repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.Empty(t, got.VerificationToken)

	_, err = repo.GetByVerificationToken(ctx, "token-abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileAccountRepository_UpdateTwoFactor(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	user := createTestUser(t, repo)

	state := TwoFactorState{
		Mode:           TwoFactorPending,
		Method:         MethodApp,
		PendingSecret:  "JBSWY3DPEHPK3PXP",
		SetupExpiresAt: time.Now().UTC().Add(10 * time.Minute),
	}
	err := repo.UpdateTwoFactor(ctx, user.ID, state)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, TwoFactorPending, got.TwoFactor.Mode)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", got.TwoFactor.PendingSecret)
	assert.Empty(t, got.TwoFactor.Secret)

	// Whole-state swap: finalizing clears the pending secret in the same write
	enabled := TwoFactorState{
		Mode:        TwoFactorEnabled,
		Method:      MethodApp,
		Secret:      "JBSWY3DPEHPK3PXP",
		BackupCodes: []string{"AABBCCDD", "EEFF0011"},
		EnabledAt:   time.Now().UTC(),
	}
	err = repo.UpdateTwoFactor(ctx, user.ID, enabled)
	require.NoError(t, err)

	got, err = repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, TwoFactorEnabled, got.TwoFactor.Mode)
	assert.Empty(t, got.TwoFactor.PendingSecret)
	assert.Len(t, got.TwoFactor.BackupCodes, 2)

	err = repo.UpdateTwoFactor(ctx, uuid.New(), state)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileAccountRepository_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileAccountRepository(dir)
	require.NoError(t, err)

	user, err := repo.Create(ctx, CreateUserParams{
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: "$2a$10$hash",
	})
	require.NoError(t, err)

	err = repo.UpdateTwoFactor(ctx, user.ID, TwoFactorState{
		Mode:        TwoFactorEnabled,
		Method:      MethodEmail,
		BackupCodes: []string{"AABBCCDD"},
	})
	require.NoError(t, err)

	// Reload from disk
	reloaded, err := NewFileAccountRepository(dir)
	require.NoError(t, err)

	got, err := reloaded.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, TwoFactorEnabled, got.TwoFactor.Mode)
	assert.Equal(t, MethodEmail, got.TwoFactor.Method)
	assert.Equal(t, []string{"AABBCCDD"}, got.TwoFactor.BackupCodes)
}
