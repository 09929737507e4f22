package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

// totpNow derives the 6-digit one-time code the login endpoint
// expects. Secrets arrive from config the way the broker hands them
// out, sometimes spaced, lowercased or padded, so they are normalized
// before generating.
func totpNow(secret string, now time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
	normalized = strings.TrimRight(normalized, "=")

	code, err := totp.GenerateCode(normalized, now)
	if err != nil {
		return "", fmt.Errorf("invalid totp secret: %w", err)
	}
	return code, nil
}
