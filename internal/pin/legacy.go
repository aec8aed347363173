package pin

import (
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/chorechart/kidauth-service/internal/domain"
)

// IsLegacyDigest reports whether a stored hash predates salted SHA-256 digests.
// Those rows were written by pgcrypto's crypt() and are bcrypt strings.
func IsLegacyDigest(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// MatchLegacy scans pre-salt credentials with bcrypt. Non-bcrypt rows are skipped.
func MatchLegacy(candidate string, creds []domain.ChildCredential) (domain.ChildCredential, bool) {
	for _, cred := range creds {
		if !IsLegacyDigest(cred.PINHash) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(cred.PINHash), []byte(candidate)) == nil {
			return cred, true
		}
	}
	return domain.ChildCredential{}, false
}
