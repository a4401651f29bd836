package twofa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/errs"
	"github.com/storekit/storeauth/pkg/notification"
	"github.com/storekit/storeauth/pkg/tokengenerator"
)

const (
	DefaultSetupWindow    = 10 * time.Minute
	DefaultCodeTTL        = 5 * time.Minute
	DefaultResendInterval = 60 * time.Second
	DefaultIssuer         = "storekit"
)

// PasswordVerifier checks a plain-text password against a stored hash.
// A mismatch returns (false, nil); an error means the check itself failed.
type PasswordVerifier interface {
	Verify(password, hashedPassword string) (bool, error)
}

// TokenService mints and parses the named tokens used by the login flow.
// Satisfied by tokengenerator.JwtService.
type TokenService interface {
	GenerateToken(tokenName, subject string, extraClaims map[string]interface{}) (string, time.Time, error)
	ParseToken(tokenName, tokenStr string) (*jwt.Token, error)
}

// TwoFaService orchestrates two-factor setup, login challenge, disable and
// backup-code management against the account store.
type TwoFaService struct {
	repo                account.AccountRepository
	notificationManager *notification.NotificationManager
	tokenService        TokenService
	passwordVerifier    PasswordVerifier

	issuer         string
	setupWindow    time.Duration
	codeTTL        time.Duration
	resendInterval time.Duration

	now func() time.Time
}

// TwoFaServiceOption configures a TwoFaService
type TwoFaServiceOption func(*TwoFaService)

// WithNotificationManager sets the notification manager
func WithNotificationManager(nm *notification.NotificationManager) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.notificationManager = nm
	}
}

// WithTokenService sets the token service used for pending tokens
func WithTokenService(ts TokenService) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.tokenService = ts
	}
}

// WithPasswordVerifier sets the password verifier used by the disable flow
func WithPasswordVerifier(pv PasswordVerifier) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.passwordVerifier = pv
	}
}

// WithIssuer sets the TOTP issuer shown in authenticator apps
func WithIssuer(issuer string) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.issuer = issuer
	}
}

// WithSetupWindow sets the overall window for completing a setup
func WithSetupWindow(d time.Duration) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.setupWindow = d
	}
}

// WithCodeTTL sets the freshness window for emailed codes
func WithCodeTTL(d time.Duration) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.codeTTL = d
	}
}

// WithResendInterval sets the minimum interval between disable-code sends
func WithResendInterval(d time.Duration) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.resendInterval = d
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) TwoFaServiceOption {
	return func(s *TwoFaService) {
		s.now = now
	}
}

// NewTwoFaService creates a new TwoFaService
func NewTwoFaService(repo account.AccountRepository, opts ...TwoFaServiceOption) *TwoFaService {
	s := &TwoFaService{
		repo:           repo,
		issuer:         DefaultIssuer,
		setupWindow:    DefaultSetupWindow,
		codeTTL:        DefaultCodeTTL,
		resendInterval: DefaultResendInterval,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type (
	SetupResult struct {
		Method    account.TwoFactorMethod `json:"method"`
		Secret    string                  `json:"secret,omitempty"`
		QrCode    string                  `json:"qr_code,omitempty"`
		Message   string                  `json:"message"`
		ExpiresIn int                     `json:"expires_in_seconds"`
		EmailHint string                  `json:"email_hint,omitempty"`
	}

	VerifySetupResult struct {
		Success     bool                    `json:"success"`
		Message     string                  `json:"message"`
		Method      account.TwoFactorMethod `json:"method"`
		BackupCodes []string                `json:"backup_codes"`
		Warning     string                  `json:"warning"`
	}

	SendCodeResult struct {
		Message   string `json:"message"`
		EmailHint string `json:"email_hint"`
		ExpiresIn int    `json:"expires_in_seconds"`
	}

	StatusResult struct {
		Enabled          bool                    `json:"enabled"`
		Method           account.TwoFactorMethod `json:"method"`
		BackupCodesCount int                     `json:"backup_codes_count"`
		EmailVerified    bool                    `json:"email_verified"`
		CanSetup         bool                    `json:"can_setup"`
	}

	BackupCodesResult struct {
		BackupCodes []string `json:"backup_codes"`
		Message     string   `json:"message"`
		Warning     string   `json:"warning"`
	}
)

const backupCodesWarning = "Store these backup codes in a safe place. They will not be shown again."

func (s *TwoFaService) getUser(ctx context.Context, userID uuid.UUID) (account.User, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.User{}, errs.New(errs.ErrCodeUserNotFound, "user not found")
		}
		return account.User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to load user")
	}
	return user, nil
}

// Setup starts a two-factor enrollment for the given method.
func (s *TwoFaService) Setup(ctx context.Context, userID uuid.UUID, method account.TwoFactorMethod) (SetupResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return SetupResult{}, err
	}

	if !user.EmailVerified {
		return SetupResult{}, errs.New(errs.ErrCodeEmailNotVerified, "verify your email address before enabling two-factor authentication")
	}
	if user.TwoFactor.Enabled() {
		return SetupResult{}, errs.New(errs.ErrCode2FAAlreadyEnabled, "two-factor authentication is already enabled")
	}

	now := s.now()

	switch method {
	case account.MethodApp:
		key, err := GenerateTotpKey(s.issuer, user.Email)
		if err != nil {
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate secret")
		}
		qr, err := QrCodeDataURI(key)
		if err != nil {
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to render QR code")
		}

		state := account.TwoFactorState{
			Mode:           account.TwoFactorPending,
			Method:         account.MethodApp,
			PendingSecret:  key.Secret(),
			SetupExpiresAt: now.Add(s.setupWindow),
		}
		if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to save setup state")
		}

		return SetupResult{
			Method:    account.MethodApp,
			Secret:    key.Secret(),
			QrCode:    qr,
			Message:   "Scan the QR code with your authenticator app, then verify with a generated code.",
			ExpiresIn: int(s.setupWindow.Seconds()),
		}, nil

	case account.MethodEmail:
		code, err := GenerateNumericCode()
		if err != nil {
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate code")
		}

		state := account.TwoFactorState{
			Mode:            account.TwoFactorPending,
			Method:          account.MethodEmail,
			SetupCode:       code,
			SetupCodeSentAt: now,
			SetupExpiresAt:  now.Add(s.setupWindow),
		}
		if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to save setup state")
		}

		err = s.notificationManager.Send(notification.TwofaSetupCodeNotice, notification.NotificationData{
			To:   user.Email,
			Data: map[string]string{"Code": code},
		})
		if err != nil {
			// The user never received the code, so the pending state must not
			// linger. Roll the whole state back before surfacing the failure.
			slog.Error("Failed to send 2FA setup code, rolling back", "userID", user.ID, "error", err)
			if rbErr := s.repo.UpdateTwoFactor(ctx, user.ID, user.TwoFactor); rbErr != nil {
				slog.Error("Failed to roll back setup state", "userID", user.ID, "error", rbErr)
			}
			return SetupResult{}, errs.Wrap(err, errs.ErrCodeMailDispatchFailed, "failed to send setup code")
		}

		return SetupResult{
			Method:    account.MethodEmail,
			Message:   "A verification code has been sent to your email.",
			ExpiresIn: int(s.setupWindow.Seconds()),
			EmailHint: MaskEmail(user.Email),
		}, nil

	default:
		return SetupResult{}, errs.InvalidInput("method", fmt.Sprintf("must be %q or %q", account.MethodApp, account.MethodEmail))
	}
}

// VerifySetup completes an in-progress enrollment with a user-submitted code.
func (s *TwoFaService) VerifySetup(ctx context.Context, userID uuid.UUID, code string) (VerifySetupResult, error) {
	if !IsSixDigits(code) {
		return VerifySetupResult{}, errs.InvalidInput("code", "must be exactly 6 digits")
	}

	user, err := s.getUser(ctx, userID)
	if err != nil {
		return VerifySetupResult{}, err
	}

	state := user.TwoFactor
	if !state.Pending() {
		return VerifySetupResult{}, errs.Validation("no two-factor setup in progress")
	}

	now := s.now()

	// The overall window is checked before the method-specific check.
	if !state.SetupExpiresAt.IsZero() && now.After(state.SetupExpiresAt) {
		if err := s.repo.UpdateTwoFactor(ctx, user.ID, account.TwoFactorState{Mode: account.TwoFactorOff, Method: account.MethodNone}); err != nil {
			return VerifySetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to clear expired setup")
		}
		return VerifySetupResult{}, errs.New(errs.ErrCode2FASetupExpired, "two-factor setup expired, start again")
	}

	var secret string
	switch state.Method {
	case account.MethodApp:
		if !ValidateTotpPasscode(state.PendingSecret, code, now) {
			// Pending state stays intact so the user can retry before expiry.
			return VerifySetupResult{}, errs.New(errs.ErrCode2FAInvalidCode, "invalid verification code")
		}
		secret = state.PendingSecret

	case account.MethodEmail:
		if state.SetupCode == "" || code != state.SetupCode || now.Sub(state.SetupCodeSentAt) > s.codeTTL {
			return VerifySetupResult{}, errs.New(errs.ErrCode2FAInvalidCode, "invalid or expired verification code")
		}

	default:
		return VerifySetupResult{}, errs.Validation("no two-factor setup in progress")
	}

	backupCodes, err := GenerateBackupCodes(BACKUP_CODE_COUNT)
	if err != nil {
		return VerifySetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate backup codes")
	}

	enabled := account.TwoFactorState{
		Mode:        account.TwoFactorEnabled,
		Method:      state.Method,
		Secret:      secret,
		BackupCodes: backupCodes,
		EnabledAt:   now,
	}
	if err := s.repo.UpdateTwoFactor(ctx, user.ID, enabled); err != nil {
		return VerifySetupResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to enable two-factor authentication")
	}

	slog.Info("Two-factor authentication enabled", "userID", user.ID, "method", state.Method)

	return VerifySetupResult{
		Success:     true,
		Message:     "Two-factor authentication is now enabled.",
		Method:      state.Method,
		BackupCodes: backupCodes,
		Warning:     backupCodesWarning,
	}, nil
}

// userIDFromPendingToken validates the pending token and extracts the user
// identifier. Every failure is reported identically to the caller.
func (s *TwoFaService) userIDFromPendingToken(pendingToken string) (uuid.UUID, error) {
	token, err := s.tokenService.ParseToken(tokengenerator.TEMP_TOKEN_NAME, pendingToken)
	if err != nil {
		return uuid.Nil, errs.New(errs.ErrCodeTokenInvalid, "invalid token")
	}

	sub, err := tokengenerator.SubjectFromToken(token)
	if err != nil {
		return uuid.Nil, errs.New(errs.ErrCodeTokenInvalid, "invalid token")
	}

	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, errs.New(errs.ErrCodeTokenInvalid, "invalid token")
	}

	return userID, nil
}

// SendLoginCode mails a fresh login code for the email method against a
// pending token. The code is persisted before dispatch, so a failed send
// still leaves a usable code until it expires.
func (s *TwoFaService) SendLoginCode(ctx context.Context, pendingToken string) (SendCodeResult, error) {
	userID, err := s.userIDFromPendingToken(pendingToken)
	if err != nil {
		return SendCodeResult{}, err
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return SendCodeResult{}, errs.New(errs.ErrCodeTokenInvalid, "invalid token")
	}

	if !user.TwoFactor.Enabled() || user.TwoFactor.Method != account.MethodEmail {
		return SendCodeResult{}, errs.New(errs.ErrCode2FANotEnabled, "email verification codes are not enabled for this account")
	}

	code, err := GenerateNumericCode()
	if err != nil {
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate code")
	}

	now := s.now()
	state := user.TwoFactor
	state.LoginCode = code
	state.LoginCodeSentAt = now
	if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to save login code")
	}

	err = s.notificationManager.Send(notification.TwofaLoginCodeNotice, notification.NotificationData{
		To:   user.Email,
		Data: map[string]string{"Code": code},
	})
	if err != nil {
		slog.Error("Failed to send 2FA login code", "userID", user.ID, "error", err)
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeMailDispatchFailed, "failed to send verification code")
	}

	return SendCodeResult{
		Message:   "A verification code has been sent to your email.",
		EmailHint: MaskEmail(user.Email),
		ExpiresIn: int(s.codeTTL.Seconds()),
	}, nil
}

// VerifyLogin completes the login challenge: primary method first, then the
// backup-code set. All failures surface as the same authentication error so
// the caller learns nothing about which sub-check failed.
func (s *TwoFaService) VerifyLogin(ctx context.Context, pendingToken, code string) (account.User, error) {
	userID, err := s.userIDFromPendingToken(pendingToken)
	if err != nil {
		return account.User{}, err
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return account.User{}, errs.New(errs.ErrCodeTokenInvalid, "invalid token")
	}

	// A pending token can outlive a concurrent disable
	if !user.TwoFactor.Enabled() {
		return account.User{}, errs.New(errs.ErrCode2FAAuthFailed, "invalid verification code")
	}

	now := s.now()
	state := user.TwoFactor
	verified := false
	stateChanged := false

	switch state.Method {
	case account.MethodApp:
		verified = ValidateTotpPasscode(state.Secret, code, now)

	case account.MethodEmail:
		if state.LoginCode != "" && code == state.LoginCode && now.Sub(state.LoginCodeSentAt) <= s.codeTTL {
			verified = true
			state.LoginCode = ""
			state.LoginCodeSentAt = time.Time{}
			stateChanged = true
		}
	}

	if !verified {
		upper := strings.ToUpper(strings.TrimSpace(code))
		for i, backup := range state.BackupCodes {
			if backup == upper {
				verified = true
				state.BackupCodes = append(state.BackupCodes[:i], state.BackupCodes[i+1:]...)
				stateChanged = true
				break
			}
		}
	}

	if !verified {
		return account.User{}, errs.New(errs.ErrCode2FAAuthFailed, "invalid verification code")
	}

	if stateChanged {
		if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
			return account.User{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to consume verification code")
		}
	}

	user.TwoFactor = state
	return user, nil
}

// verifyDisableCode checks the code for the disable flow: primary method
// first, backup codes as fallback for the app method.
func (s *TwoFaService) verifyDisableCode(state account.TwoFactorState, code string, now time.Time) bool {
	switch state.Method {
	case account.MethodApp:
		if ValidateTotpPasscode(state.Secret, code, now) {
			return true
		}
	case account.MethodEmail:
		if state.DisableCode != "" && code == state.DisableCode && now.Sub(state.DisableCodeSentAt) <= s.codeTTL {
			return true
		}
		return false
	}

	upper := strings.ToUpper(strings.TrimSpace(code))
	for _, backup := range state.BackupCodes {
		if backup == upper {
			return true
		}
	}
	return false
}

// checkPassword gates the disable flow on the account password.
func (s *TwoFaService) checkPassword(user account.User, password string) error {
	if !user.HasUsablePassword() {
		return errs.New(errs.ErrCodeNoUsablePassword, "this account does not have a password; two-factor authentication cannot be disabled this way")
	}
	ok, err := s.passwordVerifier.Verify(password, user.PasswordHash)
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to verify password")
	}
	if !ok {
		return errs.Validation("incorrect password")
	}
	return nil
}

// Disable turns off two-factor authentication after re-verifying the
// password and a current code. Success clears the whole state in one write.
func (s *TwoFaService) Disable(ctx context.Context, userID uuid.UUID, password, code string) error {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}

	if !user.TwoFactor.Enabled() {
		return errs.New(errs.ErrCode2FANotEnabled, "two-factor authentication is not enabled")
	}

	// Password gates the operation before any code is checked.
	if err := s.checkPassword(user, password); err != nil {
		return err
	}

	now := s.now()
	if !s.verifyDisableCode(user.TwoFactor, code, now) {
		return errs.New(errs.ErrCode2FAInvalidCode, "invalid verification code")
	}

	if err := s.repo.UpdateTwoFactor(ctx, user.ID, account.Disabled(now)); err != nil {
		return errs.Wrap(err, errs.ErrCodeInternal, "failed to disable two-factor authentication")
	}

	slog.Info("Two-factor authentication disabled", "userID", user.ID)
	return nil
}

// SendDisableCode mails a disable-confirmation code for the email method,
// throttled to one send per resend interval.
func (s *TwoFaService) SendDisableCode(ctx context.Context, userID uuid.UUID, password string) (SendCodeResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return SendCodeResult{}, err
	}

	if !user.TwoFactor.Enabled() {
		return SendCodeResult{}, errs.New(errs.ErrCode2FANotEnabled, "two-factor authentication is not enabled")
	}
	if user.TwoFactor.Method != account.MethodEmail {
		return SendCodeResult{}, errs.Validation("disable codes are only sent for the email method")
	}

	if err := s.checkPassword(user, password); err != nil {
		return SendCodeResult{}, err
	}

	now := s.now()
	state := user.TwoFactor
	if !state.LastDisableCodeSent.IsZero() {
		elapsed := now.Sub(state.LastDisableCodeSent)
		if elapsed < s.resendInterval {
			wait := s.resendInterval - elapsed
			return SendCodeResult{}, errs.RateLimitExceeded(fmt.Sprintf("%ds", int(wait.Seconds())+1))
		}
	}

	code, err := GenerateNumericCode()
	if err != nil {
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate code")
	}

	state.DisableCode = code
	state.DisableCodeSentAt = now
	state.LastDisableCodeSent = now
	if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to save disable code")
	}

	err = s.notificationManager.Send(notification.TwofaDisableCodeNotice, notification.NotificationData{
		To:   user.Email,
		Data: map[string]string{"Code": code},
	})
	if err != nil {
		slog.Error("Failed to send 2FA disable code", "userID", user.ID, "error", err)
		return SendCodeResult{}, errs.Wrap(err, errs.ErrCodeMailDispatchFailed, "failed to send verification code")
	}

	return SendCodeResult{
		Message:   "A verification code has been sent to your email.",
		EmailHint: MaskEmail(user.Email),
		ExpiresIn: int(s.codeTTL.Seconds()),
	}, nil
}

// Status reports the user's current two-factor configuration.
func (s *TwoFaService) Status(ctx context.Context, userID uuid.UUID) (StatusResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return StatusResult{}, err
	}

	state := user.TwoFactor
	method := state.Method
	if !state.Enabled() {
		method = account.MethodNone
	}

	return StatusResult{
		Enabled:          state.Enabled(),
		Method:           method,
		BackupCodesCount: len(state.BackupCodes),
		EmailVerified:    user.EmailVerified,
		CanSetup:         user.EmailVerified && !state.Enabled(),
	}, nil
}

// RegenerateBackupCodes replaces the entire backup-code set. The caller is
// already session-authenticated, so no code re-verification is required.
func (s *TwoFaService) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) (BackupCodesResult, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return BackupCodesResult{}, err
	}

	if !user.TwoFactor.Enabled() {
		return BackupCodesResult{}, errs.New(errs.ErrCode2FANotEnabled, "two-factor authentication is not enabled")
	}

	backupCodes, err := GenerateBackupCodes(BACKUP_CODE_COUNT)
	if err != nil {
		return BackupCodesResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to generate backup codes")
	}

	state := user.TwoFactor
	state.BackupCodes = backupCodes
	if err := s.repo.UpdateTwoFactor(ctx, user.ID, state); err != nil {
		return BackupCodesResult{}, errs.Wrap(err, errs.ErrCodeInternal, "failed to save backup codes")
	}

	return BackupCodesResult{
		BackupCodes: backupCodes,
		Message:     "Backup codes regenerated. Previous codes are no longer valid.",
		Warning:     backupCodesWarning,
	}, nil
}
