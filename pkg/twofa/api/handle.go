package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/storekit/storeauth/pkg/account"
	"github.com/storekit/storeauth/pkg/errs"
	"github.com/storekit/storeauth/pkg/twofa"
)

// Handle implements the two-factor management API. All routes assume the
// jwtauth verifier and authenticator middleware already ran.
type Handle struct {
	twoFaService *twofa.TwoFaService
}

// NewHandle creates a new Handle
func NewHandle(twoFaService *twofa.TwoFaService) *Handle {
	return &Handle{
		twoFaService: twoFaService,
	}
}

// Routes returns an http.Handler for the two-factor management API
func Routes(h *Handle) http.Handler {
	r := chi.NewRouter()

	r.Get("/status", h.GetStatus)
	r.Post("/setup", h.PostSetup)
	r.Post("/setup/verify", h.PostSetupVerify)
	r.Post("/disable", h.PostDisable)
	r.Post("/disable/send-code", h.PostDisableSendCode)
	r.Post("/backup-codes/regenerate", h.PostRegenerateBackupCodes)

	return r
}

type (
	ErrorResponse struct {
		Error   string                 `json:"error"`
		Code    string                 `json:"code,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	}

	SetupRequest struct {
		Method string `json:"method"`
	}

	SetupResponse struct {
		Method    string `json:"method"`
		Secret    string `json:"secret,omitempty"`
		QrCode    string `json:"qr_code,omitempty"`
		Message   string `json:"message"`
		ExpiresIn int    `json:"expires_in_seconds"`
		EmailHint string `json:"email_hint,omitempty"`
	}

	VerifySetupRequest struct {
		Code string `json:"code"`
	}

	VerifySetupResponse struct {
		Success     bool     `json:"success"`
		Message     string   `json:"message"`
		Method      string   `json:"method"`
		BackupCodes []string `json:"backup_codes"`
		Warning     string   `json:"warning"`
	}

	DisableRequest struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}

	DisableSendCodeRequest struct {
		Password string `json:"password"`
	}

	SendCodeResponse struct {
		Message   string `json:"message"`
		EmailHint string `json:"email_hint"`
		ExpiresIn int    `json:"expires_in_seconds"`
	}

	StatusResponse struct {
		Enabled          bool   `json:"enabled"`
		Method           string `json:"method"`
		BackupCodesCount int    `json:"backup_codes_count"`
		EmailVerified    bool   `json:"email_verified"`
		CanSetup         bool   `json:"can_setup"`
	}

	BackupCodesResponse struct {
		BackupCodes []string `json:"backup_codes"`
		Message     string   `json:"message"`
		Warning     string   `json:"warning"`
	}
)

// renderError maps a service error onto the HTTP response. Structured errors
// carry their own status code; everything else is an internal error.
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

	slog.Error("Unhandled error in 2FA handler", "error", err)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{Error: "An internal error occurred"})
}

// userIDFromContext extracts the authenticated user ID from the JWT claims
// placed in the context by the jwtauth middleware.
func userIDFromContext(r *http.Request) (uuid.UUID, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return uuid.Nil, err
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return uuid.Nil, errors.New("subject claim missing")
	}

	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, errors.New("invalid subject claim")
	}
	return userID, nil
}

func renderUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("Failed to resolve authenticated user", "error", err)
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, ErrorResponse{Error: "Unauthorized"})
}

// GetStatus handles GET /status
func (h *Handle) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	result, err := h.twoFaService.Status(r.Context(), userID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	var resp StatusResponse
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// PostSetup handles POST /setup
func (h *Handle) PostSetup(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.twoFaService.Setup(r.Context(), userID, account.TwoFactorMethod(req.Method))
	if err != nil {
		renderError(w, r, err)
		return
	}

	var resp SetupResponse
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// PostSetupVerify handles POST /setup/verify
func (h *Handle) PostSetupVerify(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	var req VerifySetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.twoFaService.VerifySetup(r.Context(), userID, req.Code)
	if err != nil {
		renderError(w, r, err)
		return
	}

	var resp VerifySetupResponse
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// PostDisable handles POST /disable
func (h *Handle) PostDisable(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	var req DisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := h.twoFaService.Disable(r.Context(), userID, req.Password, req.Code); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"message": "Two-factor authentication disabled"})
}

// PostDisableSendCode handles POST /disable/send-code
func (h *Handle) PostDisableSendCode(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	var req DisableSendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.twoFaService.SendDisableCode(r.Context(), userID, req.Password)
	if err != nil {
		renderError(w, r, err)
		return
	}

	var resp SendCodeResponse
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// PostRegenerateBackupCodes handles POST /backup-codes/regenerate
func (h *Handle) PostRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r)
	if err != nil {
		renderUnauthorized(w, r, err)
		return
	}

	result, err := h.twoFaService.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		renderError(w, r, err)
		return
	}

	var resp BackupCodesResponse
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
