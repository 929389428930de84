package auth

import "github.com/alexedwards/argon2id"

// Argon2Hasher hashes passwords with argon2id default parameters.
type Argon2Hasher struct{}

// Hash derives an encoded argon2id hash for the password.
func (Argon2Hasher) Hash(password string) (string, error) {
	return argon2id.CreateHash(password, argon2id.DefaultParams)
}

// Compare checks a password against a stored encoded hash.
func (Argon2Hasher) Compare(password, hash string) (bool, error) {
	return argon2id.ComparePasswordAndHash(password, hash)
}
