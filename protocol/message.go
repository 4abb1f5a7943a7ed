package protocol

// Message types
const (
	TypePing                       Type = 0x01 // Server keep-alive probe
	TypePong                       Type = 0x02 // Client keep-alive acknowledgment
	TypeError                      Type = 0x03 // In-band error notification
	TypeConnectionResponse         Type = 0x04 // Welcome message with resolved identity
	TypeHistoryRequest             Type = 0x05 // Client requests its recent recordings
	TypeHistoryResponse            Type = 0x06
	TypeGameStateRequest           Type = 0x07 // Server requests a game-state snapshot
	TypeGameState                  Type = 0x08 // Client game-state snapshot
	TypeChallengeStartRequest      Type = 0x09
	TypeChallengeStartResponse     Type = 0x0A
	TypeChallengeEndRequest        Type = 0x0B
	TypeChallengeEndResponse       Type = 0x0C
	TypeChallengeUpdate            Type = 0x0D
	TypeEventStream                Type = 0x0E // Batch of recorded challenge events
	TypeServerStatus               Type = 0x0F // Server lifecycle state broadcast
	TypeChallengeStateConfirmation Type = 0x10
	TypePlayerStateUpdate          Type = 0x11
)

// Type discriminates the payload carried by a Message.
type Type uint8

func (t Type) Valid() bool {
	return t >= TypePing && t <= TypePlayerStateUpdate
}

// Challenge identifies a tracked activity type.
type Challenge int32

const (
	ChallengeUnknown   Challenge = 0
	ChallengeTOB       Challenge = 1
	ChallengeCOX       Challenge = 2
	ChallengeTOA       Challenge = 3
	ChallengeColosseum Challenge = 4
	ChallengeInferno   Challenge = 5
	ChallengeMokhaiotl Challenge = 6
)

// Mode is a challenge difficulty variant.
type Mode int32

const (
	ModeUnknown    Mode = 0
	ModeTOBEntry   Mode = 1
	ModeTOBRegular Mode = 2
	ModeTOBHard    Mode = 3
)

// Stage identifies a stage within a challenge.
type Stage int32

// StageStatus reports the progress of a single stage.
type StageStatus int32

const (
	StageEntered   StageStatus = 0
	StageStarted   StageStatus = 1
	StageCompleted StageStatus = 2
	StageWiped     StageStatus = 3
)

// Error types carried by an ErrorInfo payload.
type ErrorType int32

const (
	ErrorUnknown                 ErrorType = 0
	ErrorUnauthenticated         ErrorType = 1
	ErrorUsernameMismatch        ErrorType = 2
	ErrorChallengeRecordingEnded ErrorType = 3
	ErrorBadMessage              ErrorType = 4
)

// ServerState is the server lifecycle state reported to clients.
type ServerState int32

const (
	StateRunning          ServerState = 1
	StateShutdownPending  ServerState = 2
	StateShutdownCanceled ServerState = 3
	StateShutdownImminent ServerState = 4
	StateOffline          ServerState = 5
)

// GameStateKind discriminates a game-state snapshot.
type GameStateKind int32

const (
	GameStateLoggedIn  GameStateKind = 1
	GameStateLoggedOut GameStateKind = 2
)

// Message is the canonical in-memory form of a wire message. Exactly one
// payload field is populated for a given Type. JSON tags describe the binary
// encoding's payload form, in which repeated fields carry a List suffix; the
// readable encoding renames them (see json.go).
type Message struct {
	Type              Type   `json:"type"`
	RequestID         int32  `json:"requestId,omitempty"`
	ActiveChallengeID string `json:"activeChallengeId,omitempty"`

	User                       *User              `json:"user,omitempty"`
	Error                      *ErrorInfo         `json:"error,omitempty"`
	RecentRecordings           []PastChallenge    `json:"recentRecordingsList,omitempty"`
	ChallengeEvents            []Event            `json:"challengeEventsList,omitempty"`
	ServerStatus               *ServerStatusInfo  `json:"serverStatus,omitempty"`
	GameState                  *GameState         `json:"gameState,omitempty"`
	ChallengeStateConfirmation *StateConfirmation `json:"challengeStateConfirmation,omitempty"`
	ChallengeStartRequest      *StartRequest      `json:"challengeStartRequest,omitempty"`
	ChallengeEndRequest        *EndRequest        `json:"challengeEndRequest,omitempty"`
	ChallengeUpdate            *Update            `json:"challengeUpdate,omitempty"`
	PlayerState                []PlayerState      `json:"playerStateList,omitempty"`
}

// User is the identity resolved for an authenticated connection.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ErrorInfo is an in-band error notification.
type ErrorInfo struct {
	Type     ErrorType `json:"type"`
	Username string    `json:"username,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// PastChallenge is one record in a history response.
type PastChallenge struct {
	ID             string    `json:"id"`
	Challenge      Challenge `json:"challenge"`
	Mode           Mode      `json:"mode"`
	Stage          Stage     `json:"stage"`
	Status         int32     `json:"status"`
	Timestamp      int64     `json:"timestamp,omitempty"` // Unix seconds
	ChallengeTicks int32     `json:"challengeTicks"`
	Party          []string  `json:"partyList,omitempty"`
}

// ServerStatusInfo reports the server lifecycle state, with the scheduled
// shutdown time when one is pending.
type ServerStatusInfo struct {
	Status       ServerState `json:"status"`
	ShutdownTime int64       `json:"shutdownTime,omitempty"` // Unix seconds
}

// GameState is a client-reported snapshot of its in-game state.
type GameState struct {
	State      GameStateKind `json:"state"`
	PlayerInfo *PlayerInfo   `json:"playerInfo,omitempty"`
}

// PlayerInfo describes the logged-in character within a game-state snapshot.
// AccountHash is a string as clients report it verbatim; "-1" indicates the
// runtime could not access the hash.
type PlayerInfo struct {
	Username            string `json:"username"`
	AccountHash         string `json:"accountHash,omitempty"`
	OverallExperience   uint64 `json:"overallExperience"`
	AttackExperience    uint64 `json:"attackExperience"`
	StrengthExperience  uint64 `json:"strengthExperience"`
	DefenceExperience   uint64 `json:"defenceExperience"`
	HitpointsExperience uint64 `json:"hitpointsExperience"`
	RangedExperience    uint64 `json:"rangedExperience"`
	PrayerExperience    uint64 `json:"prayerExperience"`
	MagicExperience     uint64 `json:"magicExperience"`
}

// StateConfirmation synchronizes a client's view of its active challenge
// with the server's. Sent server->client as a request and client->server as
// the response, with IsValid set.
type StateConfirmation struct {
	IsValid   bool      `json:"isValid"`
	Username  string    `json:"username,omitempty"`
	Challenge Challenge `json:"challenge,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Party     []string  `json:"partyList,omitempty"`
	Spectator bool      `json:"spectator,omitempty"`
}

// StartRequest asks the server to start or join a challenge.
type StartRequest struct {
	Challenge Challenge `json:"challenge"`
	Mode      Mode      `json:"mode,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Party     []string  `json:"partyList"`
	Spectator bool      `json:"spectator,omitempty"`
}

// EndRequest reports a challenge's in-game completion times. A value of -1
// indicates the client could not capture the time.
type EndRequest struct {
	OverallTimeTicks   int32 `json:"overallTimeTicks"`
	ChallengeTimeTicks int32 `json:"challengeTimeTicks"`
}

// Update reports a change to an in-progress challenge.
type Update struct {
	Mode        Mode         `json:"mode,omitempty"`
	StageUpdate *StageUpdate `json:"stageUpdate,omitempty"`
}

// StageUpdate reports progress within a single stage. GameServerTicks is nil
// if the client did not capture a server-side tick count.
type StageUpdate struct {
	Stage            Stage       `json:"stage"`
	Status           StageStatus `json:"status"`
	Accurate         bool        `json:"accurate"`
	RecordedTicks    int32       `json:"recordedTicks"`
	GameServerTicks  *int32      `json:"gameServerTicks,omitempty"`
	GameTicksPrecise bool        `json:"gameTicksPrecise,omitempty"`
}

// Event is a single recorded challenge event. The relay never interprets
// event semantics; it only reads Tick and Stage for ordering and routing.
type Event struct {
	Type   int32  `json:"type"`
	Tick   int32  `json:"tick"`
	Stage  Stage  `json:"stage"`
	XCoord int32  `json:"xCoord,omitempty"`
	YCoord int32  `json:"yCoord,omitempty"`
	Player string `json:"player,omitempty"`
}

// PlayerState reports a party member's challenge association.
type PlayerState struct {
	Username    string    `json:"username"`
	ChallengeID string    `json:"challengeId"`
	Challenge   Challenge `json:"challenge"`
	Mode        Mode      `json:"mode"`
}
