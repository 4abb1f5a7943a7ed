// Package users defines the external user directory consumed by the
// connection accept path and the message router.
package users

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidToken is returned when a bearer credential does not resolve to
// a user.
var ErrInvalidToken = errors.New("users: invalid token")

// BasicUser is the identity resolved from a bearer credential.
type BasicUser struct {
	ID             int64
	Username       string
	LinkedPlayerID int64
}

// Authenticator resolves bearer credentials against the user directory.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (BasicUser, error)
}

// PastChallenge is one entry of a user's recorded challenge history.
type PastChallenge struct {
	ID         string
	Type       int32
	Stage      int32
	Status     int32
	Mode       int32
	Party      []string
	FinishedAt time.Time
}

// HistorySource serves a user's most recent recorded challenges.
type HistorySource interface {
	ChallengeHistory(ctx context.Context, userID int64) ([]PastChallenge, error)
}
