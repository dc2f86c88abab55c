package services

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Constants for Argon2 parameters
const (
	memory      = 64 * 1024
	iterations  = 3
	parallelism = 2
	keyLength   = 32

	// Short-lived and single-use codes get a cheaper profile: a backup-code
	// scan hashes once per unused code.
	codeMemory     = 19 * 1024
	codeIterations = 2
)

func randomSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.New("failed to generate salt")
	}
	return salt, nil
}

// HashPassword returns "salt$hash", both raw-base64.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}

	salt, err := randomSalt()
	if err != nil {
		return "", err
	}

	// Hash the password with Argon2
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)

	// Combine with $ separator
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

// VerifyPassword verifies if the provided password matches the stored hash
func VerifyPassword(storedPassword, providedPassword string) (bool, error) {
	// Split the stored password into salt and hash
	parts := strings.Split(storedPassword, "$")
	if len(parts) != 2 {
		return false, errors.New("invalid stored password format")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, err
	}

	storedHash, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, err
	}

	// Hash the provided password with the same salt and parameters
	computedHash := argon2.IDKey([]byte(providedPassword), salt, iterations, memory, parallelism, keyLength)

	return subtle.ConstantTimeCompare(computedHash, storedHash) == 1, nil
}

// HashCode hashes a verification, challenge or backup code with a fresh salt.
func HashCode(code string) (hash, salt string, err error) {
	rawSalt, err := randomSalt()
	if err != nil {
		return "", "", err
	}
	sum := argon2.IDKey([]byte(code), rawSalt, codeIterations, codeMemory, parallelism, keyLength)
	return base64.RawStdEncoding.EncodeToString(sum), base64.RawStdEncoding.EncodeToString(rawSalt), nil
}

// CheckCode compares a submitted code against a stored hash and salt in
// constant time. Malformed stored values never match.
func CheckCode(code, hash, salt string) bool {
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(code), rawSalt, codeIterations, codeMemory, parallelism, keyLength)
	return subtle.ConstantTimeCompare(got, want) == 1
}
