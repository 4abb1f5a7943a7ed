package players

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Key of the shared hash mapping active character names to the challenge
// they are currently recording ("" while idle).
const activePlayersKey = "relay:active-players"

// Liveness publishes which characters currently hold a live connection, and
// which challenge each is recording. Cross-process readers use it to decide
// whether a party member is reachable.
type Liveness interface {
	SetActive(ctx context.Context, username, challengeID string) error
	SetInactive(ctx context.Context, username string) error
	CurrentChallengeID(ctx context.Context, username string) (string, error)
}

// RedisLiveness stores liveness in the shared coordination store.
type RedisLiveness struct {
	client *redis.Client
}

func NewRedisLiveness(client *redis.Client) *RedisLiveness {
	return &RedisLiveness{client: client}
}

func (l *RedisLiveness) SetActive(ctx context.Context, username, challengeID string) error {
	err := l.client.HSet(ctx, activePlayersKey, normalizeName(username), challengeID).Err()
	if err != nil {
		return fmt.Errorf("set player active: %w", err)
	}
	return nil
}

func (l *RedisLiveness) SetInactive(ctx context.Context, username string) error {
	err := l.client.HDel(ctx, activePlayersKey, normalizeName(username)).Err()
	if err != nil {
		return fmt.Errorf("set player inactive: %w", err)
	}
	return nil
}

// CurrentChallengeID returns the challenge a character is recording, or ""
// when the character is idle or not connected.
func (l *RedisLiveness) CurrentChallengeID(ctx context.Context, username string) (string, error) {
	id, err := l.client.HGet(ctx, activePlayersKey, normalizeName(username)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current challenge id: %w", err)
	}
	return id, nil
}

func normalizeName(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
