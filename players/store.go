// Package players exposes the player identity directory and the shared
// liveness indicator for linked players.
package players

import (
	"context"
	"errors"
)

// ErrAccountHashInUse is returned by SetAccountHash when the hash already
// belongs to a different player record.
var ErrAccountHashInUse = errors.New("players: account hash bound to another player")

// ErrNotFound is returned when a player record does not exist.
var ErrNotFound = errors.New("players: not found")

// Player is a directory record for one tracked in-game character.
type Player struct {
	ID       int64
	Username string
}

// Experience holds a character's per-skill experience totals as reported by
// the client.
type Experience struct {
	Overall   int64
	Attack    int32
	Defence   int32
	Strength  int32
	Hitpoints int32
	Ranged    int32
	Prayer    int32
	Magic     int32
}

// Store is the external player directory. Lookups by id or account hash
// return ErrNotFound when no record exists.
type Store interface {
	// LookupUsername returns the stored display name for a player id.
	LookupUsername(ctx context.Context, playerID int64) (string, error)

	// AccountHash returns the long-lived account identifier stored for a
	// player, or ok=false when none has been persisted yet.
	AccountHash(ctx context.Context, playerID int64) (hash int64, ok bool, err error)

	// SetAccountHash persists an account identifier for a player. Returns
	// ErrAccountHashInUse when the hash belongs to a different record.
	SetAccountHash(ctx context.Context, playerID int64, hash int64) error

	// PlayerByAccountHash resolves the player record owning an account hash.
	PlayerByAccountHash(ctx context.Context, hash int64) (Player, error)

	// QueueNameChange records a pending rename from oldName to newName.
	QueueNameChange(ctx context.Context, oldName, newName string) error

	// UpdateExperience stores a character's reported experience totals.
	UpdateExperience(ctx context.Context, playerID int64, exp Experience) error
}
