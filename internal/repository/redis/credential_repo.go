package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"linguacall/internal/domain"
	"linguacall/pkg/cache"
)

// CredentialRepository caches issued audio credentials in Redis so that several
// sessions or processes for the same participant reuse one token
type CredentialRepository struct {
	client *redis.Client
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(client *redis.Client) *CredentialRepository {
	return &CredentialRepository{client: client}
}

// Get retrieves a cached credential. A miss is not an error.
func (r *CredentialRepository) Get(ctx context.Context, channel string, uid domain.ParticipantID) (domain.Credential, bool, error) {
	data, err := r.client.Get(ctx, cache.CredentialKey(channel, uid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Credential{}, false, nil
		}
		return domain.Credential{}, false, fmt.Errorf("failed to get credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, false, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return cred, true, nil
}

// Set stores a credential with ttl
func (r *CredentialRepository) Set(ctx context.Context, cred domain.Credential, ttl time.Duration) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := r.client.Set(ctx, cache.CredentialKey(cred.Channel, cred.UID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes a cached credential
func (r *CredentialRepository) Delete(ctx context.Context, channel string, uid domain.ParticipantID) error {
	if err := r.client.Del(ctx, cache.CredentialKey(channel, uid)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
