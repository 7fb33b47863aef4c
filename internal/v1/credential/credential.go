// Package credential hashes and verifies room passwords and mints access
// codes for the room-credential service (spec.md §4.8).
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// accessCodeAlphabet excludes easily-confused characters (I, O, 0, 1).
const accessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const legacyPrefix = "sha256$"

// ErrMismatch is returned by Verify when the password does not match the hash.
var ErrMismatch = errors.New("credential: password does not match")

// Hash produces a BCrypt hash at the given cost. cost is expected to be
// config.Config.RoomPasswordCost (default 12, spec.md §4.8).
func Hash(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("credential: hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify accepts both BCrypt hashes (self-salted) and the legacy
// "sha256$<salt>$<digest>" scheme, comparing digests in constant time.
// Unknown formats default to the BCrypt path so a hash that simply isn't
// BCrypt-shaped fails closed rather than panicking.
func Verify(password, hash string) error {
	if strings.HasPrefix(hash, legacyPrefix) {
		return verifyLegacy(password, hash)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrMismatch
	}
	return nil
}

// verifyLegacy checks the SHA-256(salt || password) base64 scheme carried
// over from older room credentials, using subtle.ConstantTimeCompare so
// verification time doesn't leak how much of the digest matched.
func verifyLegacy(password, hash string) error {
	parts := strings.SplitN(strings.TrimPrefix(hash, legacyPrefix), "$", 2)
	if len(parts) != 2 {
		return ErrMismatch
	}
	salt, wantDigest := parts[0], parts[1]

	sum := sha256.Sum256([]byte(salt + password))
	gotDigest := base64.StdEncoding.EncodeToString(sum[:])

	if subtle.ConstantTimeCompare([]byte(gotDigest), []byte(wantDigest)) != 1 {
		return ErrMismatch
	}
	return nil
}

// NewAccessCode draws an 8-character code from a cryptographically secure
// RNG using the 32-character alphabet spec.md §4.8 defines.
func NewAccessCode() (string, error) {
	return randomString(8, accessCodeAlphabet)
}

func randomString(n int, alphabet string) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("credential: read random bytes: %w", err)
	}

	out := make([]byte, n)
	alphabetLen := byte(len(alphabet))
	for i, v := range b {
		out[i] = alphabet[v%alphabetLen]
	}
	return string(out), nil
}
