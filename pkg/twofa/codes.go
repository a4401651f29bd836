package twofa

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"image/png"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// RFC 6238 parameters for the authenticator-app method
	TOTP_PERIOD = 30
	SKEW        = 1

	BACKUP_CODE_COUNT = 8
	BACKUP_CODE_BYTES = 4
)

// GenerateTotpKey generates a new TOTP key for the given account. The
// provisioning URI embeds the issuer and the account email so authenticator
// apps label the entry.
func GenerateTotpKey(issuer, accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "account", accountName, "issuer", issuer, "error", err)
		return nil, err
	}
	return key, nil
}

// QrCodeDataURI renders the provisioning URI as a PNG and returns it as a
// base64 data URI suitable for direct embedding in an <img> tag.
func QrCodeDataURI(key *otp.Key) (string, error) {
	img, err := key.Image(200, 200)
	if err != nil {
		slog.Error("Failed to render QR code image", "error", err)
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		slog.Error("Failed to encode QR code png", "error", err)
		return "", err
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ValidateTotpPasscode checks a passcode against the secret at the given
// time, accepting the previous, current and next step to absorb clock skew.
func ValidateTotpPasscode(totpSecret, passcode string, at time.Time) bool {
	valid, err := totp.ValidateCustom(passcode, totpSecret, at.UTC(), totp.ValidateOpts{
		Period:    TOTP_PERIOD,
		Skew:      SKEW,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to validate totp passcode", "error", err)
		return false
	}
	return valid
}

// GenerateTotpPasscode produces the passcode for the secret at the given
// time. Used by tests to mint codes for specific time steps.
func GenerateTotpPasscode(totpSecret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(totpSecret, at.UTC(), totp.ValidateOpts{
		Period:    TOTP_PERIOD,
		Skew:      SKEW,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Error("Failed to generate totp passcode", "error", err)
		return "", err
	}
	return code, nil
}

// GenerateNumericCode produces a random 6-digit code for the email method.
func GenerateNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate numeric code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateBackupCodes produces count single-use uppercase hex codes.
func GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		buf := make([]byte, BACKUP_CODE_BYTES)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		codes = append(codes, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return codes, nil
}

// IsSixDigits reports whether code is exactly 6 ASCII digits.
func IsSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// MaskEmail keeps only the trailing characters of an address so the client
// can hint at the destination without disclosing it.
func MaskEmail(email string) string {
	if len(email) <= 10 {
		return "***" + email
	}
	return "***" + email[len(email)-10:]
}
