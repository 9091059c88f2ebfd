package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// KeyVerifier checks the shared key a kiosk presents when it connects.
// With a bcrypt hash configured the plaintext key never has to be deployed.
type KeyVerifier struct {
	plain []byte
	hash  []byte
}

func NewKeyVerifier(plain, hash string) (*KeyVerifier, error) {
	if plain == "" && hash == "" {
		return nil, errors.New("a kiosk key or kiosk key hash is required")
	}
	v := &KeyVerifier{plain: []byte(plain)}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid kiosk key hash: %w", err)
		}
		v.hash = []byte(hash)
	}
	return v, nil
}

// Verify compares in constant time; the hash wins when both are configured.
func (v *KeyVerifier) Verify(key string) bool {
	if key == "" {
		return false
	}
	if v.hash != nil {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare(v.plain, []byte(key)) == 1
}

// HashKey produces a value suitable for KIOSK_KEY_HASH.
func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}
