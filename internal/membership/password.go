// internal/membership/password.go
package membership

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// hashPassword generates a salted Argon2id hash of the password.
func hashPassword(password string) (hash, salt string, err error) {
	rawSalt := make([]byte, saltLen)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", err
	}

	key := argon2.IDKey([]byte(password), rawSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString(rawSalt), nil
}

// verifyPassword compares a password with a salted hash in constant time.
func verifyPassword(password, salt, hash string) (bool, error) {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	key := argon2.IDKey([]byte(password), decodedSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(decodedHash, key) == 1, nil
}
