package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"fleet-svc/app/clients"
	"fleet-svc/app/domains"

	"github.com/google/uuid"
)

const (
	apiKeyPrefix    = "fsk_"
	apiKeyRandBytes = 20
	apiKeyLength    = len(apiKeyPrefix) + apiKeyRandBytes*2
)

// APIKeyService mints and validates the opaque bearer keys that
// authenticate agents. Exactly one key is active per agent: issuing a
// new one overwrites the stored digest in a single update, so the
// previous key is rejected immediately with no grace window. Only the
// SHA-256 digest is persisted; the plaintext is returned once.
type APIKeyService struct {
	storage clients.StorageAdapter
}

// NewAPIKeyService creates a new API key service.
func NewAPIKeyService(storage clients.StorageAdapter) *APIKeyService {
	return &APIKeyService{storage: storage}
}

// Issue generates a fresh key for the agent and persists its digest,
// replacing any prior credential. Returns the plaintext key.
func (s *APIKeyService) Issue(ctx context.Context, agentID uuid.UUID) (string, error) {
	agent, err := s.storage.GetAgentByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("failed to load agent: %w", err)
	}
	if agent == nil {
		return "", fmt.Errorf("agent %s: %w", agentID, domains.ErrNotFound)
	}

	plaintext, err := generateKey()
	if err != nil {
		return "", err
	}

	if err := s.storage.SetAgentKeyHash(ctx, agentID, HashKey(plaintext)); err != nil {
		return "", fmt.Errorf("failed to store key digest: %w", err)
	}
	return plaintext, nil
}

// Validate checks a presented bearer key and returns the external
// identifier of the agent it is bound to. Malformed keys are rejected
// before any store access; a lookup miss is ErrUnauthorized, never an
// internal error.
func (s *APIKeyService) Validate(ctx context.Context, secret string) (string, error) {
	if len(secret) != apiKeyLength || !strings.HasPrefix(secret, apiKeyPrefix) {
		return "", domains.ErrUnauthorized
	}
	if _, err := hex.DecodeString(secret[len(apiKeyPrefix):]); err != nil {
		return "", domains.ErrUnauthorized
	}

	agent, err := s.storage.GetAgentByKeyHash(ctx, HashKey(secret))
	if err != nil {
		return "", fmt.Errorf("failed to look up key: %w", err)
	}
	if agent == nil {
		return "", domains.ErrUnauthorized
	}
	return agent.AgentID, nil
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
// Lookups compare fixed-size digests, so no variable-time comparison
// over the plaintext ever happens.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func generateKey() (string, error) {
	buf := make([]byte, apiKeyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
