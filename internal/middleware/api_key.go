// Package middleware provides authentication and request logging for the
// flagbase HTTP and gRPC transports. Clients present "Bearer <id>.<secret>"
// tokens that are checked against bcrypt hashes configured per key ID.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var (
	errInvalidTokenFormat = errors.New("invalid token format")
	errUnknownAPIKey      = errors.New("unknown api key")
	errAPIKeyMismatch     = errors.New("invalid token")
)

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// ParseAPIKeys parses comma separated "id:bcrypt-hash" pairs. Blank entries
// are skipped; duplicate IDs and malformed entries are errors.
func ParseAPIKeys(spec string) (map[string]string, error) {
	keys := make(map[string]string)
	for idx, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, hash, ok := strings.Cut(entry, ":")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("api key %d: want id:hash", idx)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("api key %q: id must not contain '.'", id)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key %q: %w", id, err)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("api key %q: duplicate id", id)
		}
		keys[id] = hash
	}
	return keys, nil
}

// StaticKeyValidator validates "<id>.<secret>" tokens against a fixed set of
// bcrypt hashes. It returns the key ID as the authenticated principal.
type StaticKeyValidator struct {
	hashes map[string]string
}

var _ TokenValidator = (*StaticKeyValidator)(nil)

func NewStaticKeyValidator(hashes map[string]string) *StaticKeyValidator {
	copied := make(map[string]string, len(hashes))
	for id, hash := range hashes {
		copied[id] = hash
	}
	return &StaticKeyValidator{hashes: copied}
}

func (v *StaticKeyValidator) ValidateToken(_ context.Context, token string) (string, error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errInvalidTokenFormat
	}

	hash, ok := v.hashes[keyID]
	if !ok {
		return "", errUnknownAPIKey
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errAPIKeyMismatch
	}
	return keyID, nil
}
