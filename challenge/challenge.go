// Package challenge mediates the challenge lifecycle between connected
// clients and the authoritative coordination service. The remote manager
// talks to the coordination peer over HTTP and forwards recorded events
// into the shared store; a local manager exists for isolated operation.
package challenge

import (
	"context"
	"errors"

	"github.com/raidwatch/relay/protocol"
)

// ErrUpdateRejected is returned when the coordination peer authoritatively
// rejects an update (HTTP 409). The remote state has diverged from the
// client's; the call must not be retried.
var ErrUpdateRejected = errors.New("challenge: update rejected by coordination peer")

// RecordingType describes a client's role within a challenge.
type RecordingType int32

const (
	RecordingParticipant RecordingType = 1
	RecordingSpectator   RecordingType = 2
)

// ClientStatus is a client's connection state, reported to the coordination
// service through its event queue.
type ClientStatus int32

const (
	ClientActive       ClientStatus = 1
	ClientIdle         ClientStatus = 2
	ClientDisconnected ClientStatus = 3
)

// Status is the coordination peer's snapshot of a challenge following a
// lifecycle call.
type Status struct {
	UUID         string         `json:"uuid"`
	Stage        protocol.Stage `json:"stage"`
	StageAttempt int32          `json:"stageAttempt"`
}

// RecordedTimes are a client's reported in-game completion times, in ticks.
type RecordedTimes struct {
	Challenge int32 `json:"challenge"`
	Overall   int32 `json:"overall"`
}

// Info describes an active challenge as stored in the shared store.
type Info struct {
	Type         protocol.Challenge
	Mode         protocol.Mode
	Status       int32
	Stage        protocol.Stage
	StageAttempt int32
	Party        []string
}

// Recorder is a connected client recording a challenge. Implemented by the
// server's session type; the manager uses it for bookkeeping and to push
// lifecycle notifications.
type Recorder interface {
	SessionID() uint64
	UserID() int64
	ActiveChallengeID() string
	StageAttempt(stage protocol.Stage) int32
	ClearActiveChallenge()
	Send(msg *protocol.Message)
}

// Manager is the coordination contract. The relay never fabricates challenge
// ids or stage attempts; every binding originates from a Status returned
// here.
type Manager interface {
	// StartOrJoin starts a new challenge for the party or joins the
	// existing one, registering rec as a recorder of the result.
	StartOrJoin(ctx context.Context, rec Recorder, challengeType protocol.Challenge,
		mode protocol.Mode, party []string, stage protocol.Stage, recordingType RecordingType) (*Status, error)

	// Complete reports that rec has finished recording a challenge. Times
	// are forwarded only when both values are positive; otherwise neither
	// is sent. The recorder is always unbound locally, even on failure.
	Complete(ctx context.Context, rec Recorder, challengeID string, times *RecordedTimes) error

	// Update forwards a client-reported state change. Returns
	// ErrUpdateRejected when the peer reports the state has diverged.
	Update(ctx context.Context, rec Recorder, challengeID string, update *protocol.Update) (*Status, error)

	// ProcessEvents durably appends a batch of recorded events to the
	// challenge's per-stage logs.
	ProcessEvents(ctx context.Context, rec Recorder, challengeID string, events []protocol.Event) error

	// AddClient joins rec to an in-progress challenge.
	AddClient(ctx context.Context, rec Recorder, challengeID string, recordingType RecordingType) (*Status, error)

	// UpdateClientStatus reports rec's connection state, fire-and-forget.
	// A disconnect additionally unbinds the recorder locally.
	UpdateClientStatus(ctx context.Context, rec Recorder, status ClientStatus)

	// ChallengeInfo reads a challenge's stored metadata. A missing
	// challenge yields (nil, nil).
	ChallengeInfo(ctx context.Context, challengeID string) (*Info, error)
}
