package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAccountRepository implements AccountRepository backed by Postgres.
// The two-factor state is stored as a jsonb column so a state swap is a
// single UPDATE.
type PostgresAccountRepository struct {
	db *pgxpool.Pool
}

// NewPostgresAccountRepository creates a new Postgres-backed account repository
func NewPostgresAccountRepository(db *pgxpool.Pool) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

const userColumns = `id, username, email, password_hash, email_verified, created_at,
	COALESCE(verification_token, ''), COALESCE(verification_expires, 'epoch'::timestamptz), two_factor`

func (r *PostgresAccountRepository) scanUser(row pgx.Row) (User, error) {
	var user User
	var twoFactorJSON []byte
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.CreatedAt,
		&user.VerificationToken,
		&user.VerificationExpires,
		&twoFactorJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("failed to scan user: %w", err)
	}

	if len(twoFactorJSON) > 0 {
		if err := json.Unmarshal(twoFactorJSON, &user.TwoFactor); err != nil {
			return User{}, fmt.Errorf("failed to unmarshal two-factor state: %w", err)
		}
	}
	if user.TwoFactor.Mode == "" {
		user.TwoFactor = TwoFactorState{Mode: TwoFactorOff, Method: MethodNone}
	}

	return user, nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	return r.scanUser(r.db.QueryRow(ctx, query, id))
}

func (r *PostgresAccountRepository) GetByUsername(ctx context.Context, username string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1 AND deleted_at IS NULL`
	return r.scanUser(r.db.QueryRow(ctx, query, username))
}

func (r *PostgresAccountRepository) GetByEmail(ctx context.Context, email string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`
	return r.scanUser(r.db.QueryRow(ctx, query, email))
}

func (r *PostgresAccountRepository) GetByVerificationToken(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrNotFound
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE verification_token = $1 AND deleted_at IS NULL`
	return r.scanUser(r.db.QueryRow(ctx, query, token))
}

func (r *PostgresAccountRepository) Create(ctx context.Context, params CreateUserParams) (User, error) {
	state, err := json.Marshal(TwoFactorState{Mode: TwoFactorOff, Method: MethodNone})
	if err != nil {
		return User{}, fmt.Errorf("failed to marshal two-factor state: %w", err)
	}

	query := `
		INSERT INTO users (username, email, password_hash, email_verified, verification_token, verification_expires, two_factor)
		VALUES ($1, $2, $3, false, NULLIF($4, ''), $5, $6)
		RETURNING ` + userColumns

	return r.scanUser(r.db.QueryRow(ctx, query,
		params.Username,
		params.Email,
		params.PasswordHash,
		params.VerificationToken,
		params.VerificationExpires,
		state,
	))
}

func (r *PostgresAccountRepository) SetEmailVerified(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET email_verified = true, verification_token = NULL, verification_expires = NULL
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to set email verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresAccountRepository) SetVerificationToken(ctx context.Context, id uuid.UUID, token string, expires time.Time) error {
	query := `
		UPDATE users
		SET verification_token = $2, verification_expires = $3
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, token, expires)
	if err != nil {
		return fmt.Errorf("failed to set verification token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTwoFactor swaps the user's whole two-factor state in one UPDATE.
func (r *PostgresAccountRepository) UpdateTwoFactor(ctx context.Context, id uuid.UUID, state TwoFactorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal two-factor state: %w", err)
	}

	query := `UPDATE users SET two_factor = $2 WHERE id = $1 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, data)
	if err != nil {
		return fmt.Errorf("failed to update two-factor state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
