package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups when no user matches.
var ErrNotFound = errors.New("user not found")

// TwoFactorMode is the lifecycle phase of a user's two-factor configuration.
type TwoFactorMode string

const (
	TwoFactorOff     TwoFactorMode = "off"
	TwoFactorPending TwoFactorMode = "pending"
	TwoFactorEnabled TwoFactorMode = "enabled"
)

// TwoFactorMethod is the verification channel.
type TwoFactorMethod string

const (
	MethodNone  TwoFactorMethod = "none"
	MethodApp   TwoFactorMethod = "app"
	MethodEmail TwoFactorMethod = "email"
)

// TwoFactorState carries the complete two-factor configuration of a user as
// one value. Repository updates swap the whole state in a single write, so a
// pending secret and an enabled secret can never coexist.
type TwoFactorState struct {
	Mode   TwoFactorMode   `json:"mode"`
	Method TwoFactorMethod `json:"method"`

	// Mode == TwoFactorEnabled, Method == MethodApp
	Secret string `json:"secret,omitempty"`

	// Mode == TwoFactorPending, Method == MethodApp
	PendingSecret string `json:"pending_secret,omitempty"`

	// Mode == TwoFactorPending, Method == MethodEmail
	SetupCode       string    `json:"setup_code,omitempty"`
	SetupCodeSentAt time.Time `json:"setup_code_sent_at,omitempty"`

	// Overall window for an in-progress setup, either method
	SetupExpiresAt time.Time `json:"setup_expires_at,omitempty"`

	// Login-time code, Method == MethodEmail. Kept separate from the setup
	// and disable codes so the three flows cannot consume each other's codes.
	LoginCode       string    `json:"login_code,omitempty"`
	LoginCodeSentAt time.Time `json:"login_code_sent_at,omitempty"`

	// Disable-flow code, Method == MethodEmail
	DisableCode         string    `json:"disable_code,omitempty"`
	DisableCodeSentAt   time.Time `json:"disable_code_sent_at,omitempty"`
	LastDisableCodeSent time.Time `json:"last_disable_code_sent,omitempty"`

	BackupCodes []string `json:"backup_codes,omitempty"`

	EnabledAt  time.Time `json:"enabled_at,omitempty"`
	DisabledAt time.Time `json:"disabled_at,omitempty"`
}

// Enabled reports whether two-factor authentication is active.
func (s TwoFactorState) Enabled() bool {
	return s.Mode == TwoFactorEnabled
}

// Pending reports whether a setup is in progress.
func (s TwoFactorState) Pending() bool {
	return s.Mode == TwoFactorPending
}

// Off reports whether no two-factor configuration exists.
func (s TwoFactorState) Off() bool {
	return s.Mode == "" || s.Mode == TwoFactorOff
}

// Disabled returns the cleared state, keeping only the disable timestamp.
func Disabled(at time.Time) TwoFactorState {
	return TwoFactorState{
		Mode:       TwoFactorOff,
		Method:     MethodNone,
		DisabledAt: at,
	}
}

// User is the account record. The two-factor state is embedded in the record
// and mutated only through whole-state writes.
type User struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"password_hash,omitempty"` // empty for federated accounts
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`

	VerificationToken   string    `json:"verification_token,omitempty"`
	VerificationExpires time.Time `json:"verification_expires,omitempty"`

	TwoFactor TwoFactorState `json:"two_factor"`
}

// HasUsablePassword reports whether the account has a local password.
// Federated accounts created through an external identity provider do not.
func (u User) HasUsablePassword() bool {
	return u.PasswordHash != ""
}

type CreateUserParams struct {
	Username            string
	Email               string
	PasswordHash        string
	VerificationToken   string
	VerificationExpires time.Time
}

// AccountRepository is the user store. Each mutation is a single atomic
// write against one user record.
type AccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByVerificationToken(ctx context.Context, token string) (User, error)
	Create(ctx context.Context, params CreateUserParams) (User, error)
	SetEmailVerified(ctx context.Context, id uuid.UUID) error
	SetVerificationToken(ctx context.Context, id uuid.UUID, token string, expires time.Time) error
	UpdateTwoFactor(ctx context.Context, id uuid.UUID, state TwoFactorState) error
}
