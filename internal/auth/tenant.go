// Package auth handles tenant key ownership. Keys are issued elsewhere and
// trusted once presented; Hermes stores only a salted hash of the key that
// created a configuration and compares later callers against it.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"hermes/internal/types"
)

// DefaultHashCost is the bcrypt cost used when none is configured.
const DefaultHashCost = 10

// KeyHasher abstracts bcrypt operations for testability.
type KeyHasher interface {
	GenerateFromPassword(password []byte, cost int) ([]byte, error)
	CompareHashAndPassword(hashed, password []byte) error
}

type bcryptHasher struct{}

func (bcryptHasher) GenerateFromPassword(password []byte, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword(password, cost)
}

func (bcryptHasher) CompareHashAndPassword(hashed, password []byte) error {
	return bcrypt.CompareHashAndPassword(hashed, password)
}

// TenantKeys hashes and verifies tenant keys.
type TenantKeys struct {
	hasher KeyHasher
	cost   int
}

// NewTenantKeys returns a TenantKeys using bcrypt at the given cost. A cost
// outside bcrypt's accepted range falls back to DefaultHashCost.
func NewTenantKeys(cost int) *TenantKeys {
	return NewTenantKeysWithHasher(bcryptHasher{}, cost)
}

// NewTenantKeysWithHasher is NewTenantKeys with an injected hasher.
func NewTenantKeysWithHasher(h KeyHasher, cost int) *TenantKeys {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultHashCost
	}
	return &TenantKeys{hasher: h, cost: cost}
}

// digest maps a key of any length onto bcrypt's 72-byte input limit.
func digest(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(sum[:]))
}

// Hash returns the stored form of key.
func (t *TenantKeys) Hash(key string) (string, error) {
	if key == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	hashed, err := t.hasher.GenerateFromPassword(digest(key), t.cost)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash tenant key", err)
	}
	return string(hashed), nil
}

// Verify returns nil when key is the key that produced hash, and a
// permission_forbidden error otherwise.
func (t *TenantKeys) Verify(hash, key string) error {
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant key is required", nil)
	}
	err := t.hasher.CompareHashAndPassword([]byte(hash), digest(key))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return types.NewAppError(types.ErrCodePermissionForbidden, "configuration belongs to another tenant", nil)
	}
	return types.NewAppError(types.ErrCodePermissionForbidden, "stored tenant key hash is unreadable", err)
}
