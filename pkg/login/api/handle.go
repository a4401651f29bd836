package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/errs"
	"github.com/storekit/storeauth/pkg/login"
	"github.com/storekit/storeauth/pkg/tokengenerator"
	"github.com/storekit/storeauth/pkg/twofa"
)

// Handle implements the public authentication API: signup, email
// verification, login and the two-factor login challenge.
type Handle struct {
	loginService *login.LoginService
	twoFaService *twofa.TwoFaService
	jwtService   *tokengenerator.JwtService
}

// NewHandle creates a new Handle
func NewHandle(loginService *login.LoginService, twoFaService *twofa.TwoFaService, jwtService *tokengenerator.JwtService) *Handle {
	return &Handle{
		loginService: loginService,
		twoFaService: twoFaService,
		jwtService:   jwtService,
	}
}

// Routes returns an http.Handler for the authentication API
func Routes(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Post("/signup", h.PostSignup)
	r.Get("/verify-email", h.GetVerifyEmail)
	r.Post("/verify-email", h.PostVerifyEmail)
	r.Post("/resend-verification", h.PostResendVerification)
	r.Post("/login", h.PostLogin)
	r.Post("/logout", h.PostLogout)
	r.Post("/2fa/send-code", h.Post2faSendCode)
	r.Post("/2fa/verify", h.Post2faVerify)

	return r
}

type (
	ErrorResponse struct {
		Error   string                 `json:"error"`
		Code    string                 `json:"code,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	}

	SignupRequest struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	SignupResponse struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Message  string `json:"message"`
	}

	VerifyEmailRequest struct {
		Token string `json:"token"`
	}

	ResendVerificationRequest struct {
		Email string `json:"email"`
	}

	LoginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	UserInfo struct {
		ID            string `json:"id"`
		Username      string `json:"username"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		TwoFaEnabled  bool   `json:"two_fa_enabled"`
	}

	LoginResponse struct {
		Status          string    `json:"status"` // "success" or "2fa_required"
		User            *UserInfo `json:"user,omitempty"`
		TwoFactorMethod string    `json:"two_factor_method,omitempty"`
		PendingToken    string    `json:"pending_token,omitempty"`
		ExpiresIn       int       `json:"expires_in_seconds,omitempty"`
	}

	TwofaSendCodeRequest struct {
		PendingToken string `json:"pending_token"`
	}

	TwofaVerifyRequest struct {
		PendingToken string `json:"pending_token"`
		Code         string `json:"code"`
	}
)

func userInfo(user account.User) *UserInfo {
	return &UserInfo{
		ID:            user.ID.String(),
		Username:      user.Username,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		TwoFaEnabled:  user.TwoFactor.Enabled(),
	}
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if errors.As(err, &e) {
		render.Status(r, e.HTTPStatusCode())
		render.JSON(w, r, ErrorResponse{
			Error:   e.Message,
			Code:    string(e.Code),
			Details: e.Details,
		})
		return
	}

	slog.Error("Unhandled error in auth handler", "error", err)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{Error: "An internal error occurred"})
}

func renderBadBody(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
}

// PostSignup handles POST /signup
func (h *Handle) PostSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}

	result, err := h.loginService.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SignupResponse{
		ID:       result.User.ID.String(),
		Username: result.User.Username,
		Email:    result.User.Email,
		Message:  result.Message,
	})
}

func (h *Handle) verifyEmail(w http.ResponseWriter, r *http.Request, token string) {
	if err := h.loginService.VerifyEmail(r.Context(), token); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"message": "Email verified successfully"})
}

// GetVerifyEmail handles GET /verify-email?token=..., the path the mailed
// link points at.
func (h *Handle) GetVerifyEmail(w http.ResponseWriter, r *http.Request) {
	h.verifyEmail(w, r, r.URL.Query().Get("token"))
}

// PostVerifyEmail handles POST /verify-email
func (h *Handle) PostVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}
	h.verifyEmail(w, r, req.Token)
}

// PostResendVerification handles POST /resend-verification
func (h *Handle) PostResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}

	if err := h.loginService.ResendVerification(r.Context(), req.Email); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"message": "If the address is registered, a verification email has been sent"})
}

func (h *Handle) setSessionCookies(w http.ResponseWriter, tokens login.TokenPair) {
	if err := h.jwtService.SetAccessTokenCookie(w, tokens.AccessToken, tokens.AccessExpiry); err != nil {
		slog.Error("Failed to set access token cookie", "error", err)
	}
	if err := h.jwtService.SetRefreshTokenCookie(w, tokens.RefreshToken, tokens.RefreshExpiry); err != nil {
		slog.Error("Failed to set refresh token cookie", "error", err)
	}
}

// PostLogin handles POST /login
func (h *Handle) PostLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}

	result, err := h.loginService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		renderError(w, r, err)
		return
	}

	if result.RequiresTwoFactor {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, LoginResponse{
			Status:          "2fa_required",
			TwoFactorMethod: string(result.TwoFactorMethod),
			PendingToken:    result.PendingToken,
			ExpiresIn:       int(time.Until(result.PendingExpiry).Seconds()),
		})
		return
	}

	h.setSessionCookies(w, *result.Tokens)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, LoginResponse{
		Status: "success",
		User:   userInfo(result.User),
	})
}

// PostLogout handles POST /logout
func (h *Handle) PostLogout(w http.ResponseWriter, r *http.Request) {
	h.jwtService.ClearSessionCookies(w)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"message": "Logged out"})
}

// Post2faSendCode handles POST /2fa/send-code
func (h *Handle) Post2faSendCode(w http.ResponseWriter, r *http.Request) {
	var req TwofaSendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}

	result, err := h.twoFaService.SendLoginCode(r.Context(), req.PendingToken)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Post2faVerify handles POST /2fa/verify
func (h *Handle) Post2faVerify(w http.ResponseWriter, r *http.Request) {
	var req TwofaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadBody(w, r)
		return
	}

	user, tokens, err := h.loginService.CompleteTwoFactorLogin(r.Context(), h.twoFaService, req.PendingToken, req.Code)
	if err != nil {
		renderError(w, r, err)
		return
	}

	h.setSessionCookies(w, tokens)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, LoginResponse{
		Status: "success",
		User:   userInfo(user),
	})
}
