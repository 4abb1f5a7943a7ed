// Package router implements the per-message challenge protocol: history
// lookups, game-state snapshots with identity reconciliation, and the
// challenge lifecycle delegated to the coordination manager.
package router

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/challenge"
	"github.com/raidwatch/relay/players"
	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/server/session"
	"github.com/raidwatch/relay/server/shutdown"
	"github.com/raidwatch/relay/users"
)

// Router handles messages dispatched from session queues. It is stateless
// across messages except for the global start gate; everything per-client
// lives on the session.
type Router struct {
	challenges challenge.Manager
	players    players.Store
	liveness   players.Liveness
	history    users.HistorySource
	logger     zerolog.Logger

	allowStarts atomic.Bool
}

func New(challenges challenge.Manager, store players.Store, liveness players.Liveness,
	history users.HistorySource, logger zerolog.Logger) *Router {
	r := &Router{
		challenges: challenges,
		players:    store,
		liveness:   liveness,
		history:    history,
		logger:     logger.With().Str("com", "router").Logger(),
	}
	r.allowStarts.Store(true)
	return r
}

// HandleStatusUpdate gates challenge starts on the server lifecycle state.
// Registered as a shutdown orchestrator observer.
func (r *Router) HandleStatusUpdate(update shutdown.StatusUpdate) {
	switch update.State {
	case protocol.StateShutdownPending:
		r.allowStarts.Store(false)
		r.logger.Warn().Msg("challenge starts blocked")
	case protocol.StateShutdownCanceled:
		r.allowStarts.Store(true)
		r.logger.Info().Msg("challenge starts allowed")
	}
}

// CloseSession reports a session's disconnection to the coordination
// manager, which unbinds it from any active challenge.
func (r *Router) CloseSession(s *session.Session) {
	r.challenges.UpdateClientStatus(context.Background(), s, challenge.ClientDisconnected)
}

func (r *Router) HandleMessage(ctx context.Context, s *session.Session, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeHistoryRequest:
		return r.handleHistoryRequest(ctx, s)

	case protocol.TypeGameState:
		if msg.GameState == nil {
			r.logger.Warn().Msg("game state message missing payload")
			return nil
		}
		return r.handleGameState(ctx, s, msg.GameState)

	case protocol.TypeChallengeStateConfirmation:
		if msg.ChallengeStateConfirmation == nil {
			r.logger.Warn().Msg("state confirmation missing payload")
			return nil
		}
		return r.handleStateConfirmation(ctx, s, msg)

	case protocol.TypeChallengeStartRequest:
		if msg.ChallengeStartRequest == nil {
			r.logger.Warn().Msg("challenge start missing payload")
			return nil
		}
		return r.handleChallengeStart(ctx, s, msg)

	case protocol.TypeChallengeEndRequest:
		if msg.ChallengeEndRequest == nil {
			r.logger.Warn().Msg("challenge end missing payload")
			return nil
		}
		return r.handleChallengeEnd(ctx, s, msg)

	case protocol.TypeChallengeUpdate:
		if msg.ActiveChallengeID == "" {
			r.logger.Warn().Msg("challenge update missing id")
			return nil
		}
		if msg.ChallengeUpdate == nil {
			r.logger.Warn().Msg("challenge update missing payload")
			return nil
		}
		r.handleChallengeUpdate(ctx, s, msg.ActiveChallengeID, msg.ChallengeUpdate)
		return nil

	case protocol.TypeEventStream:
		if msg.ActiveChallengeID == "" {
			r.logger.Warn().Msg("event stream missing id")
			return nil
		}
		r.handleEventStream(ctx, s, msg.ActiveChallengeID, msg.ChallengeEvents)
		return nil

	default:
		// Forward compatibility: never close the connection for a
		// well-formed message we don't recognize.
		r.logger.Warn().Uint8("type", uint8(msg.Type)).Msg("unhandled message type")
		return nil
	}
}

func (r *Router) handleHistoryRequest(ctx context.Context, s *session.Session) error {
	history, err := r.history.ChallengeHistory(ctx, s.UserID())
	if err != nil {
		return err
	}

	records := make([]protocol.PastChallenge, len(history))
	for i, c := range history {
		records[i] = protocol.PastChallenge{
			ID:             c.ID,
			Challenge:      protocol.Challenge(c.Type),
			Mode:           protocol.Mode(c.Mode),
			Stage:          protocol.Stage(c.Stage),
			Status:         c.Status,
			Timestamp:      c.FinishedAt.Unix(),
			ChallengeTicks: 0,
			Party:          c.Party,
		}
	}

	s.Send(&protocol.Message{Type: protocol.TypeHistoryResponse, RecentRecordings: records})
	return nil
}

func (r *Router) handleGameState(ctx context.Context, s *session.Session, gs *protocol.GameState) error {
	// Any snapshot, logged in or out, satisfies the pending request.
	s.CancelGameStateRequest()

	switch gs.State {
	case protocol.GameStateLoggedIn:
		if gs.PlayerInfo == nil {
			r.logger.Warn().Msg("logged-in game state missing player info")
			return nil
		}
		if err := r.handleLogin(ctx, s, gs.PlayerInfo); err != nil {
			return err
		}
		r.challenges.UpdateClientStatus(ctx, s, challenge.ClientActive)

	case protocol.GameStateLoggedOut:
		previous := s.LoggedInName()
		s.SetLoggedInName("")
		if previous != "" {
			if err := r.liveness.SetInactive(ctx, previous); err != nil {
				r.logger.Error().Err(err).Str("rsn", previous).Msg("clear player liveness")
			}
		}
		r.challenges.UpdateClientStatus(ctx, s, challenge.ClientIdle)

	default:
		r.logger.Warn().Int32("state", int32(gs.State)).Msg("unknown game state")
	}
	return nil
}

func (r *Router) handleLogin(ctx context.Context, s *session.Session, info *protocol.PlayerInfo) error {
	rsn := strings.ToLower(info.Username)
	playerID := s.LinkedPlayerID()

	storedName, err := r.players.LookupUsername(ctx, playerID)
	if errors.Is(err, players.ErrNotFound) {
		s.SendUnauthenticatedAndClose()
		return nil
	}
	if err != nil {
		return err
	}

	s.SetLoggedInName(rsn)

	hash, hasHash := r.parseAccountHash(playerID, info.AccountHash)

	valid, err := r.validatePlayerIdentity(ctx, playerID, hash, hasHash, info.Username, storedName)
	if err != nil {
		return err
	}

	if valid {
		// A fresh login may need to resynchronize with an in-progress
		// challenge tracked for this character.
		r.requestStateConfirmation(ctx, s, rsn)
		if err := r.players.UpdateExperience(ctx, playerID, experienceFrom(info)); err != nil {
			r.logger.Error().Err(err).Int64("player", playerID).Msg("update experience")
		}
	} else {
		s.Send(&protocol.Message{
			Type:  protocol.TypeError,
			Error: &protocol.ErrorInfo{Type: protocol.ErrorUsernameMismatch, Username: storedName},
		})
	}

	if err := r.liveness.SetActive(ctx, rsn, s.ActiveChallengeID()); err != nil {
		r.logger.Error().Err(err).Str("rsn", rsn).Msg("set player liveness")
	}
	return nil
}

// parseAccountHash interprets a client-reported account hash string. Empty
// and "-1" (the runtime's value when it cannot access the hash) both mean
// no hash was provided.
func (r *Router) parseAccountHash(playerID int64, raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	hash, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Error().Int64("player", playerID).Str("account_hash", raw).Msg("invalid account hash")
		return 0, false
	}
	if hash == -1 {
		return 0, false
	}
	return hash, true
}

// validatePlayerIdentity confirms that the logged-in character matches the
// player linked to the session's credential. Prefers the stored account
// hash; falls back to case-insensitive display name comparison for clients
// that cannot report one. On first valid login with a hash, persists it.
func (r *Router) validatePlayerIdentity(ctx context.Context, playerID int64,
	clientHash int64, hasHash bool, clientName, storedName string) (bool, error) {
	storedHash, hasStored, err := r.players.AccountHash(ctx, playerID)
	if err != nil {
		return false, err
	}

	nameMatches := strings.EqualFold(clientName, storedName)

	if hasStored {
		if !hasHash {
			r.logger.Info().Int64("player", playerID).Str("rsn", clientName).Msg("client missing account hash")
			return nameMatches, nil
		}

		if clientHash != storedHash {
			r.logger.Warn().
				Int64("player", playerID).
				Int64("client_hash", clientHash).
				Int64("stored_hash", storedHash).
				Msg("account hash mismatch")
			return false, nil
		}

		if !nameMatches {
			// Same account, different display name: an in-game rename.
			r.logger.Info().
				Str("old_name", storedName).
				Str("new_name", clientName).
				Int64("player", playerID).
				Msg("name change queued")
			if err := r.players.QueueNameChange(ctx, storedName, clientName); err != nil {
				r.logger.Error().Err(err).Msg("queue name change")
			}
		}
		return true, nil
	}

	if !nameMatches {
		r.logger.Info().
			Int64("player", playerID).
			Str("rsn", clientName).
			Str("stored", storedName).
			Msg("username mismatch without stored hash")
		return false, nil
	}

	if hasHash {
		r.logger.Info().Int64("player", playerID).Int64("hash", clientHash).Msg("storing account hash")
		if err := r.players.SetAccountHash(ctx, playerID, clientHash); err != nil {
			if errors.Is(err, players.ErrAccountHashInUse) {
				// The hash belongs to another record: an implicit rename.
				// Queue a change from that record's name to this one's.
				other, lookupErr := r.players.PlayerByAccountHash(ctx, clientHash)
				if lookupErr != nil {
					r.logger.Error().Err(lookupErr).Int64("hash", clientHash).Msg("lookup player by account hash")
				} else {
					r.logger.Info().
						Str("old_name", other.Username).
						Str("new_name", clientName).
						Int64("player", other.ID).
						Msg("name change queued")
					if err := r.players.QueueNameChange(ctx, other.Username, clientName); err != nil {
						r.logger.Error().Err(err).Msg("queue name change")
					}
				}
			} else {
				// Validation has already succeeded; log only.
				r.logger.Error().Err(err).Int64("player", playerID).Msg("store account hash")
			}
		}
	}
	return true, nil
}

// requestStateConfirmation asks the client to confirm an externally-tracked
// active challenge for the logged-in character, if one exists.
func (r *Router) requestStateConfirmation(ctx context.Context, s *session.Session, rsn string) {
	challengeID, err := r.liveness.CurrentChallengeID(ctx, rsn)
	if err != nil {
		r.logger.Error().Err(err).Str("rsn", rsn).Msg("read current challenge id")
		return
	}
	if challengeID == "" {
		return
	}

	info, err := r.challenges.ChallengeInfo(ctx, challengeID)
	if err != nil {
		r.logger.Error().Err(err).Str("challenge", challengeID).Msg("read challenge info")
		return
	}
	if info == nil {
		return
	}

	s.Send(&protocol.Message{
		Type:              protocol.TypeChallengeStateConfirmation,
		ActiveChallengeID: challengeID,
		ChallengeStateConfirmation: &protocol.StateConfirmation{
			Username:  rsn,
			Challenge: info.Type,
			Mode:      info.Mode,
			Stage:     info.Stage,
			Party:     info.Party,
		},
	})
}

func (r *Router) handleStateConfirmation(ctx context.Context, s *session.Session, msg *protocol.Message) error {
	conf := msg.ChallengeStateConfirmation
	rsn := strings.ToLower(conf.Username)

	if !conf.IsValid {
		// The player has left the challenge.
		if err := r.challenges.Complete(ctx, s, msg.ActiveChallengeID, nil); err != nil {
			r.logger.Error().Err(err).Str("challenge", msg.ActiveChallengeID).Msg("abandon challenge")
		}
		r.logger.Info().
			Str("rsn", rsn).
			Str("challenge", msg.ActiveChallengeID).
			Msg("client left challenge")

		s.Send(&protocol.Message{
			Type:              protocol.TypeError,
			ActiveChallengeID: msg.ActiveChallengeID,
			Error:             &protocol.ErrorInfo{Type: protocol.ErrorChallengeRecordingEnded},
		})
		return nil
	}

	if s.ActiveChallengeID() == msg.ActiveChallengeID {
		return nil
	}

	recordingType := challenge.RecordingParticipant
	if conf.Spectator {
		recordingType = challenge.RecordingSpectator
	}

	status, err := r.challenges.AddClient(ctx, s, msg.ActiveChallengeID, recordingType)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("rsn", rsn).
			Str("challenge", msg.ActiveChallengeID).
			Msg("challenge rejoin failed")
		return nil
	}

	r.logger.Info().
		Str("rsn", rsn).
		Str("challenge", status.UUID).
		Msg("client rejoined challenge")
	s.SetActiveChallenge(status.UUID)
	s.SetStageAttempt(status.Stage, status.StageAttempt)
	return nil
}

func (r *Router) handleChallengeStart(ctx context.Context, s *session.Session, msg *protocol.Message) error {
	req := msg.ChallengeStartRequest

	// An empty challenge id in the response signals failure to the client.
	response := &protocol.Message{
		Type:      protocol.TypeChallengeStartResponse,
		RequestID: msg.RequestID,
	}

	if !r.allowStarts.Load() {
		s.Send(response)
		return nil
	}

	// The requesting character must resolve to a linked player record.
	if _, err := r.players.LookupUsername(ctx, s.LinkedPlayerID()); err != nil {
		if errors.Is(err, players.ErrNotFound) {
			r.logger.Warn().Int64("player", s.LinkedPlayerID()).Msg("client missing linked player")
			s.SendUnauthenticatedAndClose()
			return nil
		}
		return err
	}

	if !r.checkStartPolicy(s, req, response) {
		return nil
	}

	recordingType := challenge.RecordingParticipant
	if req.Spectator {
		recordingType = challenge.RecordingSpectator
	}

	status, err := r.challenges.StartOrJoin(ctx, s, req.Challenge, req.Mode, req.Party, req.Stage, recordingType)
	if err != nil {
		r.logger.Error().Err(err).Int32("type", int32(req.Challenge)).Msg("challenge start failed")
		s.Send(response)
		return nil
	}

	s.SetActiveChallenge(status.UUID)
	s.SetStageAttempt(status.Stage, status.StageAttempt)
	response.ActiveChallengeID = status.UUID
	s.Send(response)
	return nil
}

// checkStartPolicy validates a start request's activity type and party
// size. On rejection the failure response is sent and false returned.
func (r *Router) checkStartPolicy(s *session.Session, req *protocol.StartRequest, response *protocol.Message) bool {
	partySize := len(req.Party)

	checkPartySize := func(minSize, maxSize int) bool {
		if partySize < minSize || partySize > maxSize {
			r.logger.Warn().
				Int32("type", int32(req.Challenge)).
				Int("party_size", partySize).
				Msg("invalid party size")
			s.Send(response)
			return false
		}
		return true
	}

	switch req.Challenge {
	case protocol.ChallengeTOB:
		if !checkPartySize(1, 5) {
			return false
		}
		if req.Mode == protocol.ModeTOBEntry {
			r.logger.Info().Int32("mode", int32(req.Mode)).Msg("challenge mode not recorded")
			s.Send(response)
			return false
		}
		return true

	case protocol.ChallengeColosseum, protocol.ChallengeInferno, protocol.ChallengeMokhaiotl:
		return checkPartySize(1, 1)

	case protocol.ChallengeCOX, protocol.ChallengeTOA:
		r.logger.Warn().Int32("type", int32(req.Challenge)).Msg("unimplemented challenge type")
		s.Send(response)
		return false

	default:
		r.logger.Warn().Int32("type", int32(req.Challenge)).Msg("unknown challenge type")
		s.Send(response)
		return false
	}
}

func (r *Router) handleChallengeEnd(ctx context.Context, s *session.Session, msg *protocol.Message) error {
	if msg.ActiveChallengeID == "" {
		r.logger.Warn().Msg("challenge end missing id")
		return nil
	}

	req := msg.ChallengeEndRequest
	times := &challenge.RecordedTimes{
		Challenge: req.ChallengeTimeTicks,
		Overall:   req.OverallTimeTicks,
	}
	if err := r.challenges.Complete(ctx, s, msg.ActiveChallengeID, times); err != nil {
		// The client is acked either way so it can finish its own
		// teardown; the coordination server reconciles abandoned
		// challenges on its own.
		r.logger.Error().Err(err).
			Str("challenge", msg.ActiveChallengeID).
			Msg("challenge completion failed")
	}

	s.Send(&protocol.Message{
		Type:      protocol.TypeChallengeEndResponse,
		RequestID: msg.RequestID,
	})
	return nil
}

func (r *Router) handleChallengeUpdate(ctx context.Context, s *session.Session, challengeID string, update *protocol.Update) {
	if challengeID != s.ActiveChallengeID() {
		// Stale or duplicated message from a previous challenge.
		r.logger.Warn().Str("challenge", challengeID).Msg("update for wrong challenge")
		return
	}

	status, err := r.challenges.Update(ctx, s, challengeID, update)
	if err != nil {
		// A rejection means the remote state has diverged; there is no
		// local resynchronization path, so both cases are logged only.
		r.logger.Error().Err(err).Str("challenge", challengeID).Msg("challenge update failed")
		return
	}
	s.SetStageAttempt(status.Stage, status.StageAttempt)
}

func (r *Router) handleEventStream(ctx context.Context, s *session.Session, challengeID string, events []protocol.Event) {
	// Batches are not guaranteed to arrive in tick order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Tick < events[j].Tick
	})

	if err := r.challenges.ProcessEvents(ctx, s, challengeID, events); err != nil {
		r.logger.Error().Err(err).
			Str("challenge", challengeID).
			Int("events", len(events)).
			Msg("event stream processing failed")
	}
}

func experienceFrom(info *protocol.PlayerInfo) players.Experience {
	return players.Experience{
		Overall:   int64(info.OverallExperience),
		Attack:    int32(info.AttackExperience),
		Defence:   int32(info.DefenceExperience),
		Strength:  int32(info.StrengthExperience),
		Hitpoints: int32(info.HitpointsExperience),
		Ranged:    int32(info.RangedExperience),
		Prayer:    int32(info.PrayerExperience),
		Magic:     int32(info.MagicExperience),
	}
}
