package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword derives a bcrypt hash at the default cost for storage on the
// user row.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
}

// ComparePassword checks a login attempt against the stored hash; a non-nil
// error means the credentials do not match.
func ComparePassword(hashed string, attempt string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(attempt))
}
