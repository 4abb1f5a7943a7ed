package users

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const historyLimit = 10

func tokenKey(token string) string {
	return "relay:users:token:" + token
}

func historyKey(userID int64) string {
	return fmt.Sprintf("relay:users:%d:history", userID)
}

type userRecord struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	LinkedPlayerID int64  `json:"linkedPlayerId"`
}

type historyRecord struct {
	ID         string   `json:"id"`
	Type       int32    `json:"type"`
	Stage      int32    `json:"stage"`
	Status     int32    `json:"status"`
	Mode       int32    `json:"mode"`
	Party      []string `json:"party"`
	FinishedAt int64    `json:"finishedAt"`
}

// RedisDirectory resolves credentials and challenge history from records the
// account service maintains in the shared store.
type RedisDirectory struct {
	client *redis.Client
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

func (d *RedisDirectory) Authenticate(ctx context.Context, token string) (BasicUser, error) {
	raw, err := d.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return BasicUser{}, ErrInvalidToken
	}
	if err != nil {
		return BasicUser{}, fmt.Errorf("authenticate: %w", err)
	}

	var record userRecord
	if err := json.UnmarshalFromString(raw, &record); err != nil {
		return BasicUser{}, fmt.Errorf("authenticate: malformed user record: %w", err)
	}
	return BasicUser{
		ID:             record.ID,
		Username:       record.Username,
		LinkedPlayerID: record.LinkedPlayerID,
	}, nil
}

// ChallengeHistory returns the user's most recent recorded challenges,
// newest first.
func (d *RedisDirectory) ChallengeHistory(ctx context.Context, userID int64) ([]PastChallenge, error) {
	entries, err := d.client.LRange(ctx, historyKey(userID), 0, historyLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("challenge history: %w", err)
	}

	history := make([]PastChallenge, 0, len(entries))
	for _, entry := range entries {
		var record historyRecord
		if err := json.UnmarshalFromString(entry, &record); err != nil {
			continue
		}
		history = append(history, PastChallenge{
			ID:         record.ID,
			Type:       record.Type,
			Stage:      record.Stage,
			Status:     record.Status,
			Mode:       record.Mode,
			Party:      record.Party,
			FinishedAt: time.Unix(record.FinishedAt, 0),
		})
	}
	return history, nil
}
