package tokengenerator

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants
const (
	ACCESS_TOKEN_NAME  = "access_token"
	REFRESH_TOKEN_NAME = "refresh_token"
	TEMP_TOKEN_NAME    = "temp_token"
)

// Default token expiry durations
const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 24 * time.Hour
	DefaultTempTokenExpiry    = 10 * time.Minute
)

// JwtService provides JWT token generation and cookie management
type JwtService struct {
	TokenGenerators       map[string]TokenGenerator
	DefaultTokenGenerator TokenGenerator
	CookieSetters         map[string]CookieSetter
	DefaultCookieSetter   CookieSetter

	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	TempTokenExpiry    time.Duration
}

// JwtServiceOption is a function that configures a JwtService
type JwtServiceOption func(*JwtService)

// WithTokenGenerator sets the token generator for a specific token name
func WithTokenGenerator(tokenName string, tokenGenerator TokenGenerator) JwtServiceOption {
	return func(js *JwtService) {
		js.TokenGenerators[tokenName] = tokenGenerator
	}
}

// WithDefaultTokenGenerator sets the default token generator
func WithDefaultTokenGenerator(tokenGenerator TokenGenerator) JwtServiceOption {
	return func(js *JwtService) {
		js.DefaultTokenGenerator = tokenGenerator
	}
}

// WithCookieSetter sets the cookie setter for a specific cookie name
func WithCookieSetter(cookieName string, cookieSetter CookieSetter) JwtServiceOption {
	return func(js *JwtService) {
		js.CookieSetters[cookieName] = cookieSetter
	}
}

// WithDefaultCookieSetter sets the default cookie setter
func WithDefaultCookieSetter(cookieSetter CookieSetter) JwtServiceOption {
	return func(js *JwtService) {
		js.DefaultCookieSetter = cookieSetter
	}
}

// WithAccessTokenExpiry sets the access token expiry duration
func WithAccessTokenExpiry(expiry time.Duration) JwtServiceOption {
	return func(js *JwtService) {
		js.AccessTokenExpiry = expiry
	}
}

// WithRefreshTokenExpiry sets the refresh token expiry duration
func WithRefreshTokenExpiry(expiry time.Duration) JwtServiceOption {
	return func(js *JwtService) {
		js.RefreshTokenExpiry = expiry
	}
}

// WithTempTokenExpiry sets the temporary token expiry duration
func WithTempTokenExpiry(expiry time.Duration) JwtServiceOption {
	return func(js *JwtService) {
		js.TempTokenExpiry = expiry
	}
}

// NewJwtService creates a new JwtService
func NewJwtService(options ...JwtServiceOption) *JwtService {
	js := &JwtService{
		TokenGenerators:     make(map[string]TokenGenerator),
		CookieSetters:       make(map[string]CookieSetter),
		DefaultCookieSetter: NewCookieSetter(true, true),
		AccessTokenExpiry:   DefaultAccessTokenExpiry,
		RefreshTokenExpiry:  DefaultRefreshTokenExpiry,
		TempTokenExpiry:     DefaultTempTokenExpiry,
	}

	for _, option := range options {
		option(js)
	}

	return js
}

// GenerateToken generates a token with the given parameters
func (js *JwtService) GenerateToken(tokenName, subject string, extraClaims map[string]interface{}) (string, time.Time, error) {
	var expiry time.Duration

	tokenGenerator, ok := js.TokenGenerators[tokenName]
	if !ok {
		tokenGenerator = js.DefaultTokenGenerator
	}

	switch tokenName {
	case ACCESS_TOKEN_NAME:
		expiry = js.AccessTokenExpiry
	case REFRESH_TOKEN_NAME:
		expiry = js.RefreshTokenExpiry
	case TEMP_TOKEN_NAME:
		expiry = js.TempTokenExpiry
	default:
		expiry = js.AccessTokenExpiry
	}

	return tokenGenerator.GenerateToken(subject, expiry, extraClaims)
}

// ParseToken parses and validates a token
func (js *JwtService) ParseToken(tokenName, tokenStr string) (*jwt.Token, error) {
	tokenGenerator, ok := js.TokenGenerators[tokenName]
	if !ok {
		tokenGenerator = js.DefaultTokenGenerator
	}
	return tokenGenerator.ParseToken(tokenStr)
}

// SetCookie sets a cookie using the cookie setter for the given cookie name
func (js *JwtService) SetCookie(w http.ResponseWriter, cookieName string, tokenValue string, expire time.Time) error {
	cookieSetter, ok := js.CookieSetters[cookieName]
	if !ok {
		cookieSetter = js.DefaultCookieSetter
	}
	return cookieSetter.SetCookie(w, cookieName, tokenValue, expire)
}

// ClearCookie clears a cookie using the cookie setter for the given cookie name
func (js *JwtService) ClearCookie(w http.ResponseWriter, cookieName string) error {
	cookieSetter, ok := js.CookieSetters[cookieName]
	if !ok {
		cookieSetter = js.DefaultCookieSetter
	}
	return cookieSetter.ClearCookie(w, cookieName)
}

// SetAccessTokenCookie sets the access token cookie
func (js *JwtService) SetAccessTokenCookie(w http.ResponseWriter, tokenValue string, expire time.Time) error {
	return js.SetCookie(w, ACCESS_TOKEN_NAME, tokenValue, expire)
}

// SetRefreshTokenCookie sets the refresh token cookie
func (js *JwtService) SetRefreshTokenCookie(w http.ResponseWriter, tokenValue string, expire time.Time) error {
	return js.SetCookie(w, REFRESH_TOKEN_NAME, tokenValue, expire)
}

// ClearSessionCookies clears all session-related cookies
func (js *JwtService) ClearSessionCookies(w http.ResponseWriter) {
	js.ClearCookie(w, ACCESS_TOKEN_NAME)
	js.ClearCookie(w, REFRESH_TOKEN_NAME)
	js.ClearCookie(w, TEMP_TOKEN_NAME)
}
