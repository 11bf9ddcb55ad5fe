// Package auth protects the inspection endpoint. Callers authenticate
// with a pre-configured API key (Bearer) or a username and bcrypt-hashed
// password (Basic). All state is in-memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes dialog-sync keys from other bearer tokens.
	APIKeyPrefix = "ds_"

	// apiKeyBytes is the number of random bytes in a generated key
	// (hex-encoded to twice this length).
	apiKeyBytes = 16

	// APIKeyMinLen is the minimum length of a configured key, prefix
	// included.
	APIKeyMinLen = len(APIKeyPrefix) + 2*apiKeyBytes
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// HashPassword returns the bcrypt hash stored in MCP_AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// IsPasswordHash reports whether s parses as a bcrypt hash.
func IsPasswordHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// dummyHash is compared against when the username is unknown so that
// both paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("\x00invalid"), bcrypt.MinCost)

// Check reports whether password matches the user's stored hash.
func (u UserCredentials) Check(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// APIKeys validates bearer keys. Keys are held as SHA-256 digests.
type APIKeys struct {
	keys map[[sha256.Size]byte]string
}

// NewAPIKeys builds a key set from a key to user id map.
func NewAPIKeys(keys map[string]string) *APIKeys {
	a := &APIKeys{keys: make(map[[sha256.Size]byte]string, len(keys))}
	for k, user := range keys {
		a.keys[sha256.Sum256([]byte(k))] = user
	}

	return a
}

// Validate returns the user id owning key.
func (a *APIKeys) Validate(key string) (string, bool) {
	if a == nil {
		return "", false
	}

	h := sha256.Sum256([]byte(key))

	// Digests have a fixed length, so the comparison does not leak the
	// key length.
	var (
		user  string
		found bool
	)

	for digest, u := range a.keys {
		if subtle.ConstantTimeCompare(digest[:], h[:]) == 1 {
			user, found = u, true
		}
	}

	return user, found
}

// Len returns the number of configured keys.
func (a *APIKeys) Len() int {
	if a == nil {
		return 0
	}

	return len(a.keys)
}

// GenerateAPIKey returns a new random key with the dialog-sync prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// RandomHex returns byteLen random bytes as a hex string.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
