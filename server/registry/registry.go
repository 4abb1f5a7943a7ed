// Package registry tracks every live session for broadcast and bulk close,
// and issues process-unique session ids.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/server/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// nameChangesChannel carries player record merge notifications published by
// the name-change processor.
const nameChangesChannel = "relay:name-changes"

const nameChangeMerged int32 = 1

type nameChangeUpdate struct {
	Type              int32  `json:"type"`
	DeletedPlayerID   int64  `json:"deletedPlayerId"`
	RemainingPlayerID int64  `json:"remainingPlayerId"`
	OldName           string `json:"oldName"`
	NewName           string `json:"newName"`
}

// Registry is the canonical set of live sessions. Sessions close
// asynchronously while broadcasts may be in progress, so membership is
// snapshotted under a lock before iteration.
type Registry struct {
	logger zerolog.Logger
	rdb    *redis.Client // nil when running without a shared store

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session.Session
}

func New(rdb *redis.Client, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("com", "registry").Logger(),
		rdb:      rdb,
		sessions: make(map[uint64]*session.Session),
	}
}

// NewSessionID issues the next session id. Ids are monotonic and never
// reused within a process lifetime.
func (r *Registry) NewSessionID() uint64 {
	return r.nextID.Add(1)
}

// Add registers a session, pushes the welcome message carrying its resolved
// identity, and starts the game-state request cycle. Removal happens only
// through the session's close callback, at most once.
func (r *Registry) Add(s *session.Session) {
	s.OnClose(func() { r.remove(s) })

	r.mu.Lock()
	r.sessions[s.SessionID()] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info().
		Uint64("session", s.SessionID()).
		Int64("user", s.UserID()).
		Str("plugin_version", s.PluginVersions().Version).
		Int("active", count).
		Msg("session registered")

	s.Send(&protocol.Message{
		Type: protocol.TypeConnectionResponse,
		User: &protocol.User{ID: s.UserID(), Name: s.Username()},
	})
	s.StartGameStateRequestCycle()
}

func (r *Registry) remove(s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, s.SessionID())
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info().Uint64("session", s.SessionID()).Int("active", count).Msg("session removed")
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast sends a message to every live session, best-effort.
func (r *Registry) Broadcast(msg *protocol.Message) {
	for _, s := range r.Sessions() {
		s.Send(msg)
	}
}

// CloseAll force-closes every live session. Each session's close callback
// removes it from the registry.
func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		s.Close()
	}
}

// Run consumes name-change notifications until ctx is canceled. When two
// player records are merged, sessions linked to the deleted record are
// repointed at the remaining one.
func (r *Registry) Run(ctx context.Context) error {
	if r.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := r.rdb.Subscribe(ctx, nameChangesChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleNameChange(msg.Payload)
		}
	}
}

func (r *Registry) handleNameChange(payload string) {
	var update nameChangeUpdate
	if err := json.UnmarshalFromString(payload, &update); err != nil {
		r.logger.Error().Err(err).Msg("malformed name change notification")
		return
	}
	if update.Type != nameChangeMerged {
		return
	}

	for _, s := range r.Sessions() {
		if s.LinkedPlayerID() == update.DeletedPlayerID {
			r.logger.Info().
				Uint64("session", s.SessionID()).
				Int64("old_player", update.DeletedPlayerID).
				Int64("new_player", update.RemainingPlayerID).
				Str("old_name", update.OldName).
				Str("new_name", update.NewName).
				Msg("session player id updated")
			s.SetLinkedPlayerID(update.RemainingPlayerID)
		}
	}
}
