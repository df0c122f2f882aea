package approvals

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
)

// GenerateTOTPSecret generates a new 20-byte (160-bit) TOTP secret, returned
// base32-encoded.
func GenerateTOTPSecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate TOTP secret: %w", err)
	}
	return base32.StdEncoding.EncodeToString(secret), nil
}

// ValidateTOTPCode validates a 6-digit TOTP code against the given secret.
// Standard parameters: SHA1, 6 digits, 30-second period, ±1 period skew.
func ValidateTOTPCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// FormatTOTPURI creates an otpauth:// URI for the operator's authenticator.
func FormatTOTPURI(secret string) string {
	return fmt.Sprintf("otpauth://totp/tokengate:operator?secret=%s&issuer=tokengate", secret)
}

// DisplayTOTPSetup writes the TOTP setup screen (QR code + manual secret) to
// the writer.
func DisplayTOTPSetup(w io.Writer, secret string) error {
	uri := FormatTOTPURI(secret)

	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Scan this QR code with your authenticator app:")
	fmt.Fprintln(w, "")
	for _, line := range strings.Split(qr.ToSmallString(false), "\n") {
		if line != "" {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Or enter the secret manually: %s\n", secret)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Forever grants and rejections will require a code from this authenticator.")
	return nil
}
