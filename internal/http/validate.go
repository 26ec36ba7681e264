package http

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/pairgate/internal/credentials"
)

// MinPhoneDigits is the shortest phone number accepted for pairing.
const MinPhoneDigits = 10

var codeRe = regexp.MustCompile(`^\d{8}$`)

// NormalizePhone strips every non-digit character. Normalizing an already
// normalized number returns it unchanged.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isValidCode reports whether code is exactly eight digits.
func isValidCode(code string) bool {
	return codeRe.MatchString(code)
}

func isValidBotID(id string) bool {
	return credentials.ValidateBotID(id) == nil
}
