// Package pin hashes and compares child PINs.
package pin

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/chorechart/kidauth-service/internal/domain"
)

// DigestLength is the length of a hex-encoded SHA-256 digest.
const DigestLength = 64

const (
	minLength = 4
	maxLength = 6
	saltBytes = 16
)

// Hash returns the lowercase hex SHA-256 of pin followed by salt. An empty
// salt is omitted, which matches credentials created before salting.
func Hash(pin, salt string) string {
	sum := sha256.Sum256([]byte(pin + salt))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two hex digests without leaking the position of
// the first mismatch. Anything that is not a pair of 64-char hex strings
// compares unequal.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != DigestLength || len(b) != DigestLength {
		return false
	}
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// ValidFormat reports whether pin is 4 to 6 ASCII digits.
func ValidFormat(pin string) bool {
	if len(pin) < minLength || len(pin) > maxLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

// NewSalt returns a random hex salt for a newly set PIN.
func NewSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Match scans creds in order and returns the first credential whose stored
// hash matches candidate.
func Match(candidate string, creds []domain.ChildCredential) (domain.ChildCredential, bool) {
	for _, cred := range creds {
		if ConstantTimeEquals(Hash(candidate, cred.Salt()), cred.PINHash) {
			return cred, true
		}
	}
	return domain.ChildCredential{}, false
}
