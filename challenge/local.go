package challenge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/protocol"
)

// LocalManager coordinates challenges entirely in process memory, without a
// peer service or shared store. Used for isolated operation and tests;
// recorded events are counted but not persisted.
type LocalManager struct {
	logger zerolog.Logger

	mu         sync.Mutex
	challenges map[string]*localChallenge
}

type localChallenge struct {
	info      Info
	recorders []Recorder
	partyKey  string
	events    int
}

func NewLocalManager(logger zerolog.Logger) *LocalManager {
	return &LocalManager{
		logger:     logger.With().Str("com", "challenge-manager").Logger(),
		challenges: make(map[string]*localChallenge),
	}
}

func (m *LocalManager) StartOrJoin(_ context.Context, rec Recorder, challengeType protocol.Challenge,
	mode protocol.Mode, party []string, stage protocol.Stage, _ RecordingType) (*Status, error) {
	key := partyKey(challengeType, party)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.challenges {
		if c.partyKey == key {
			c.recorders = append(c.recorders, rec)
			return &Status{UUID: id, Stage: c.info.Stage, StageAttempt: c.info.StageAttempt}, nil
		}
	}

	id := uuid.NewString()
	m.challenges[id] = &localChallenge{
		info: Info{
			Type:  challengeType,
			Mode:  mode,
			Stage: stage,
			Party: party,
		},
		recorders: []Recorder{rec},
		partyKey:  key,
	}
	m.logger.Info().Str("challenge", id).Int32("type", int32(challengeType)).Msg("challenge started")
	return &Status{UUID: id, Stage: stage}, nil
}

func (m *LocalManager) Complete(_ context.Context, rec Recorder, challengeID string, _ *RecordedTimes) error {
	m.mu.Lock()
	c := m.challenges[challengeID]
	if c != nil {
		c.recorders = removeRecorder(c.recorders, rec)
		if len(c.recorders) == 0 {
			delete(m.challenges, challengeID)
			m.logger.Info().Str("challenge", challengeID).Int("events", c.events).Msg("challenge completed")
		}
	}
	m.mu.Unlock()

	rec.ClearActiveChallenge()
	return nil
}

func (m *LocalManager) Update(_ context.Context, _ Recorder, challengeID string, update *protocol.Update) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[challengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %s not found", challengeID)
	}

	if update.Mode != protocol.ModeUnknown {
		c.info.Mode = update.Mode
	}
	if su := update.StageUpdate; su != nil {
		if su.Stage > c.info.Stage {
			c.info.Stage = su.Stage
			c.info.StageAttempt = 0
		} else if su.Stage == c.info.Stage && su.Status == protocol.StageEntered {
			c.info.StageAttempt++
		}
	}
	return &Status{UUID: challengeID, Stage: c.info.Stage, StageAttempt: c.info.StageAttempt}, nil
}

func (m *LocalManager) ProcessEvents(_ context.Context, _ Recorder, challengeID string, events []protocol.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.challenges[challengeID]; ok {
		c.events += len(events)
	}
	return nil
}

func (m *LocalManager) AddClient(_ context.Context, rec Recorder, challengeID string, _ RecordingType) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[challengeID]
	if !ok {
		return nil, fmt.Errorf("challenge %s not found", challengeID)
	}
	c.recorders = append(c.recorders, rec)
	return &Status{UUID: challengeID, Stage: c.info.Stage, StageAttempt: c.info.StageAttempt}, nil
}

func (m *LocalManager) UpdateClientStatus(_ context.Context, rec Recorder, status ClientStatus) {
	if status != ClientDisconnected {
		return
	}

	challengeID := rec.ActiveChallengeID()
	if challengeID != "" {
		m.mu.Lock()
		if c, ok := m.challenges[challengeID]; ok {
			c.recorders = removeRecorder(c.recorders, rec)
			if len(c.recorders) == 0 {
				delete(m.challenges, challengeID)
			}
		}
		m.mu.Unlock()
	}
	rec.ClearActiveChallenge()
}

func (m *LocalManager) ChallengeInfo(_ context.Context, challengeID string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok {
		return nil, nil
	}
	info := c.info
	return &info, nil
}

func removeRecorder(recs []Recorder, rec Recorder) []Recorder {
	for i, r := range recs {
		if r.SessionID() == rec.SessionID() {
			return append(recs[:i], recs[i+1:]...)
		}
	}
	return recs
}

func partyKey(challengeType protocol.Challenge, party []string) string {
	names := make([]string, len(party))
	for i, name := range party {
		names[i] = strings.ToLower(name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d|%s", challengeType, strings.Join(names, ","))
}
