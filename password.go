package masterauth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt cost used for every stored hash.
const PasswordCost = 10

// MinPasswordLength is the shortest password Register and ResetPassword accept.
const MinPasswordLength = 8

// HashPassword returns the bcrypt hash of plain.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), PasswordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword reports whether plain matches hash. An empty hash never matches.
func ComparePassword(plain, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
