package players

import (
	"context"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// nameChangeQueueKey feeds the name-change processor.
const nameChangeQueueKey = "relay:name-changes:queue"

func playerKey(playerID int64) string {
	return fmt.Sprintf("relay:player:%d", playerID)
}

func accountHashKey(hash int64) string {
	return fmt.Sprintf("relay:account-hash:%d", hash)
}

type nameChangeRequest struct {
	OldName string `json:"oldName"`
	NewName string `json:"newName"`
}

// RedisStore is a player directory backed by the shared store. Records are
// maintained by the account service; the relay reads them and writes back
// account hashes, experience snapshots, and queued name changes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) LookupUsername(ctx context.Context, playerID int64) (string, error) {
	username, err := s.client.HGet(ctx, playerKey(playerID), "username").Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup username: %w", err)
	}
	return username, nil
}

func (s *RedisStore) AccountHash(ctx context.Context, playerID int64) (int64, bool, error) {
	raw, err := s.client.HGet(ctx, playerKey(playerID), "accountHash").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read account hash: %w", err)
	}
	hash, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("read account hash: malformed value %q", raw)
	}
	return hash, true, nil
}

// SetAccountHash persists an account hash for a player, claiming it in the
// hash index first. Returns ErrAccountHashInUse if another player already
// owns it.
func (s *RedisStore) SetAccountHash(ctx context.Context, playerID int64, hash int64) error {
	claimed, err := s.client.SetNX(ctx, accountHashKey(hash), playerID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim account hash: %w", err)
	}
	if !claimed {
		// A repeated write of our own hash is idempotent.
		owner, err := s.client.Get(ctx, accountHashKey(hash)).Int64()
		if err != nil || owner != playerID {
			return ErrAccountHashInUse
		}
	}

	if err := s.client.HSet(ctx, playerKey(playerID), "accountHash", hash).Err(); err != nil {
		return fmt.Errorf("store account hash: %w", err)
	}
	return nil
}

func (s *RedisStore) PlayerByAccountHash(ctx context.Context, hash int64) (Player, error) {
	playerID, err := s.client.Get(ctx, accountHashKey(hash)).Int64()
	if err == redis.Nil {
		return Player{}, ErrNotFound
	}
	if err != nil {
		return Player{}, fmt.Errorf("lookup by account hash: %w", err)
	}

	username, err := s.LookupUsername(ctx, playerID)
	if err != nil {
		return Player{}, err
	}
	return Player{ID: playerID, Username: username}, nil
}

func (s *RedisStore) QueueNameChange(ctx context.Context, oldName, newName string) error {
	payload, err := json.Marshal(nameChangeRequest{OldName: oldName, NewName: newName})
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, nameChangeQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("queue name change: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateExperience(ctx context.Context, playerID int64, exp Experience) error {
	err := s.client.HSet(ctx, playerKey(playerID),
		"overallExp", exp.Overall,
		"attackExp", exp.Attack,
		"defenceExp", exp.Defence,
		"strengthExp", exp.Strength,
		"hitpointsExp", exp.Hitpoints,
		"rangedExp", exp.Ranged,
		"prayerExp", exp.Prayer,
		"magicExp", exp.Magic,
	).Err()
	if err != nil {
		return fmt.Errorf("update experience: %w", err)
	}
	return nil
}
