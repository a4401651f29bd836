package login

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/errs"
	"github.com/storekit/storeauth/pkg/notification"
	"github.com/storekit/storeauth/pkg/tokengenerator"
	"github.com/storekit/storeauth/pkg/twofa"
)

const (
	DefaultVerificationExpiry = 24 * time.Hour

	minPasswordLength = 8
	minUsernameLength = 3
)

// LoginService handles signup, email verification and primary
// authentication. Accounts with two-factor enabled get a short-lived pending
// token instead of a session; the challenge is completed by the twofa service.
type LoginService struct {
	repo                account.AccountRepository
	notificationManager *notification.NotificationManager
	jwtService          *tokengenerator.JwtService
	passwordHasher      PasswordHasher

	verificationExpiry time.Duration

	now func() time.Time
}

// LoginServiceOption configures a LoginService
type LoginServiceOption func(*LoginService)

// WithNotificationManager sets the notification manager
func WithNotificationManager(nm *notification.NotificationManager) LoginServiceOption {
	return func(s *LoginService) {
		s.notificationManager = nm
	}
}

// WithJwtService sets the JWT service used for session and pending tokens
func WithJwtService(js *tokengenerator.JwtService) LoginServiceOption {
	return func(s *LoginService) {
		s.jwtService = js
	}
}

// WithPasswordHasher sets the password hasher
func WithPasswordHasher(ph PasswordHasher) LoginServiceOption {
	return func(s *LoginService) {
		s.passwordHasher = ph
	}
}

// WithVerificationExpiry sets the lifetime of email verification tokens
func WithVerificationExpiry(d time.Duration) LoginServiceOption {
	return func(s *LoginService) {
		s.verificationExpiry = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) LoginServiceOption {
	return func(s *LoginService) {
		s.now = now
	}
}

// NewLoginService creates a new LoginService
func NewLoginService(repo account.AccountRepository, opts ...LoginServiceOption) *LoginService {
	s := &LoginService{
		repo:               repo,
		passwordHasher:     NewBcryptHasher(),
		verificationExpiry: DefaultVerificationExpiry,
		now:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type (
	// TokenPair is a full session: access plus refresh token.
	TokenPair struct {
		AccessToken   string    `json:"access_token"`
		AccessExpiry  time.Time `json:"access_expiry"`
		RefreshToken  string    `json:"refresh_token"`
		RefreshExpiry time.Time `json:"refresh_expiry"`
	}

	// LoginResult is either a completed login (Tokens set) or a two-factor
	// challenge (RequiresTwoFactor with a pending token).
	LoginResult struct {
		RequiresTwoFactor bool
		TwoFactorMethod   account.TwoFactorMethod
		PendingToken      string
		PendingExpiry     time.Time
		User              account.User
		Tokens            *TokenPair
	}

	SignupResult struct {
		User    account.User
		Message string
	}
)

// generateVerificationToken produces an opaque token for the verification link.
func generateVerificationToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate verification token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateSignup(username, email, password string) error {
	if len(strings.TrimSpace(username)) < minUsernameLength {
		return errs.InvalidInput("username", fmt.Sprintf("must be at least %d characters", minUsernameLength))
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errs.InvalidInput("email", "must be a valid email address")
	}
	if len(password) < minPasswordLength {
		return errs.InvalidInput("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	return nil
}

// Signup registers a new account and mails the verification link. The account
// is created even when the mail fails; verification can be re-requested.
func (s *LoginService) Signup(ctx context.Context, username, email, password string) (SignupResult, error) {
	if err := validateSignup(username, email, password); err != nil {
		return SignupResult{}, err
	}

	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return SignupResult{}, errs.New(errs.ErrCodeUserAlreadyExists, "username is already taken")
	}
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return SignupResult{}, errs.New(errs.ErrCodeUserAlreadyExists, "email is already registered")
	}

	hashed, err := s.passwordHasher.Hash(password)
	if err != nil {
		return SignupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to hash password")
	}

	token, err := generateVerificationToken()
	if err != nil {
		return SignupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate verification token")
	}

	user, err := s.repo.Create(ctx, account.CreateUserParams{
		Username:            username,
		Email:               email,
		PasswordHash:        hashed,
		VerificationToken:   token,
		VerificationExpires: s.now().Add(s.verificationExpiry),
	})
	if err != nil {
		return SignupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to create user")
	}

	if err := s.sendVerificationEmail(user, token); err != nil {
		// The account exists; verification can be resent later
		slog.Error("Failed to send verification email on signup", "userID", user.ID, "error", err)
	}

	slog.Info("User signed up", "userID", user.ID, "username", username)

	return SignupResult{
		User:    user,
		Message: "Account created. Check your email for the verification link.",
	}, nil
}

func (s *LoginService) sendVerificationEmail(user account.User, token string) error {
	link := fmt.Sprintf("%s/api/auth/verify-email?token=%s", s.notificationManager.BaseUrl, token)
	return s.notificationManager.Send(notification.EmailVerificationNotice, notification.NotificationData{
		To:   user.Email,
		Data: map[string]string{"Link": link, "Username": user.Username},
	})
}

// ResendVerification mails a fresh verification link for an unverified account.
func (s *LoginService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		// Do not reveal whether the address is registered
		slog.Info("Verification resend for unknown email")
		return nil
	}
	if user.EmailVerified {
		return errs.Validation("email is already verified")
	}

	token, err := generateVerificationToken()
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to generate verification token")
	}
	if err := s.repo.SetVerificationToken(ctx, user.ID, token, s.now().Add(s.verificationExpiry)); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to save verification token")
	}

	if err := s.sendVerificationEmail(user, token); err != nil {
		slog.Error("Failed to resend verification email", "userID", user.ID, "error", err)
		return errs.Wrap(err, errs.ErrCodeMailDispatchFailed, "failed to send verification email")
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *LoginService) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errs.InvalidInput("token", "is required")
	}

	user, err := s.repo.GetByVerificationToken(ctx, token)
	if err != nil {
		return errs.New(errs.ErrCodeTokenInvalid, "invalid verification token")
	}

	if !user.VerificationExpires.IsZero() && s.now().After(user.VerificationExpires) {
		return errs.New(errs.ErrCodeTokenExpired, "verification token has expired")
	}

	if err := s.repo.SetEmailVerified(ctx, user.ID); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to verify email")
	}

	slog.Info("Email verified", "userID", user.ID)
	return nil
}

// Login performs primary authentication. All credential failures return the
// same error so usernames cannot be probed.
func (s *LoginService) Login(ctx context.Context, username, password string) (LoginResult, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		// Burn a comparison so the timing matches the found-user path
		s.passwordHasher.Verify(password, "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
		return LoginResult{}, errs.New(errs.ErrCodeInvalidCredentials, "invalid username or password")
	}

	if !user.HasUsablePassword() {
		return LoginResult{}, errs.New(errs.ErrCodeInvalidCredentials, "invalid username or password")
	}

	ok, err := s.passwordHasher.Verify(password, user.PasswordHash)
	if err != nil {
		return LoginResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to verify password")
	}
	if !ok {
		return LoginResult{}, errs.New(errs.ErrCodeInvalidCredentials, "invalid username or password")
	}

	if !user.EmailVerified {
		return LoginResult{}, errs.New(errs.ErrCodeEmailNotVerified, "verify your email address before logging in")
	}

	if user.TwoFactor.Enabled() {
		pendingToken, expiry, err := s.jwtService.GenerateToken(tokengenerator.TEMP_TOKEN_NAME, user.ID.String(),
			map[string]interface{}{"user_id": user.ID.String()})
		if err != nil {
			return LoginResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate pending token")
		}

		return LoginResult{
			RequiresTwoFactor: true,
			TwoFactorMethod:   user.TwoFactor.Method,
			PendingToken:      pendingToken,
			PendingExpiry:     expiry,
			User:              user,
		}, nil
	}

	tokens, err := s.IssueTokens(user)
	if err != nil {
		return LoginResult{}, err
	}

	slog.Info("User logged in", "userID", user.ID)
	return LoginResult{User: user, Tokens: &tokens}, nil
}

// IssueTokens mints the access/refresh pair for a fully authenticated user.
func (s *LoginService) IssueTokens(user account.User) (TokenPair, error) {
	claims := map[string]interface{}{
		"user_id":        user.ID.String(),
		"username":       user.Username,
		"email":          user.Email,
		"email_verified": user.EmailVerified,
	}

	accessToken, accessExpiry, err := s.jwtService.GenerateToken(tokengenerator.ACCESS_TOKEN_NAME, user.ID.String(), claims)
	if err != nil {
		return TokenPair{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate access token")
	}

	refreshToken, refreshExpiry, err := s.jwtService.GenerateToken(tokengenerator.REFRESH_TOKEN_NAME, user.ID.String(), claims)
	if err != nil {
		return TokenPair{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate refresh token")
	}

	return TokenPair{
		AccessToken:   accessToken,
		AccessExpiry:  accessExpiry,
		RefreshToken:  refreshToken,
		RefreshExpiry: refreshExpiry,
	}, nil
}

// CompleteTwoFactorLogin exchanges a verified challenge for a full session.
func (s *LoginService) CompleteTwoFactorLogin(ctx context.Context, twoFaService *twofa.TwoFaService, pendingToken, code string) (account.User, TokenPair, error) {
	user, err := twoFaService.VerifyLogin(ctx, pendingToken, code)
	if err != nil {
		return account.User{}, TokenPair{}, err
	}

	tokens, err := s.IssueTokens(user)
	if err != nil {
		return account.User{}, TokenPair{}, err
	}

	slog.Info("User logged in with 2FA", "userID", user.ID)
	return user, tokens, nil
}
