package protocol

// Readable JSON encoding. The wire form differs from the canonical form in
// one systematic way: repeated fields drop the List suffix used by the
// binary encoding (party vs partyList, recentRecordings vs
// recentRecordingsList, challengeEvents vs challengeEventsList, playerState
// vs playerStateList). Conversion is explicit, field by field, and loss-free
// in both directions for every field the relay reads or writes. Decoding
// validates structure and value ranges before conversion.

type jsonMessage struct {
	Type              *int32 `json:"type"`
	RequestID         int32  `json:"requestId,omitempty"`
	ActiveChallengeID string `json:"activeChallengeId,omitempty"`

	User                       *jsonUser              `json:"user,omitempty"`
	Error                      *jsonError             `json:"error,omitempty"`
	RecentRecordings           []jsonPastChallenge    `json:"recentRecordings,omitempty"`
	ChallengeEvents            []jsonEvent            `json:"challengeEvents,omitempty"`
	ServerStatus               *jsonServerStatus      `json:"serverStatus,omitempty"`
	GameState                  *jsonGameState         `json:"gameState,omitempty"`
	ChallengeStateConfirmation *jsonStateConfirmation `json:"challengeStateConfirmation,omitempty"`
	ChallengeStartRequest      *jsonStartRequest      `json:"challengeStartRequest,omitempty"`
	ChallengeEndRequest        *jsonEndRequest        `json:"challengeEndRequest,omitempty"`
	ChallengeUpdate            *jsonUpdate            `json:"challengeUpdate,omitempty"`
	PlayerState                []jsonPlayerState      `json:"playerState,omitempty"`
}

type jsonUser struct {
	ID   *int64 `json:"id"`
	Name string `json:"name"`
}

type jsonError struct {
	Type     int32  `json:"type"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type jsonPastChallenge struct {
	ID             string   `json:"id"`
	Challenge      int32    `json:"challenge"`
	Mode           int32    `json:"mode"`
	Stage          int32    `json:"stage"`
	Status         int32    `json:"status"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	ChallengeTicks int32    `json:"challengeTicks"`
	Party          []string `json:"party,omitempty"`
}

type jsonServerStatus struct {
	Status       int32 `json:"status"`
	ShutdownTime int64 `json:"shutdownTime,omitempty"`
}

type jsonGameState struct {
	State      int32           `json:"state"`
	PlayerInfo *jsonPlayerInfo `json:"playerInfo,omitempty"`
}

type jsonPlayerInfo struct {
	Username            *string `json:"username"`
	AccountHash         string  `json:"accountHash,omitempty"`
	OverallExperience   uint64  `json:"overallExperience"`
	AttackExperience    uint64  `json:"attackExperience"`
	StrengthExperience  uint64  `json:"strengthExperience"`
	DefenceExperience   uint64  `json:"defenceExperience"`
	HitpointsExperience uint64  `json:"hitpointsExperience"`
	RangedExperience    uint64  `json:"rangedExperience"`
	PrayerExperience    uint64  `json:"prayerExperience"`
	MagicExperience     uint64  `json:"magicExperience"`
}

type jsonStateConfirmation struct {
	IsValid   *bool    `json:"isValid"`
	Username  string   `json:"username,omitempty"`
	Challenge int32    `json:"challenge,omitempty"`
	Mode      int32    `json:"mode,omitempty"`
	Stage     int32    `json:"stage,omitempty"`
	Party     []string `json:"party,omitempty"`
	Spectator bool     `json:"spectator,omitempty"`
}

type jsonStartRequest struct {
	Challenge *int32   `json:"challenge"`
	Mode      int32    `json:"mode,omitempty"`
	Stage     int32    `json:"stage,omitempty"`
	Party     []string `json:"party"`
	Spectator bool     `json:"spectator,omitempty"`
}

type jsonEndRequest struct {
	OverallTimeTicks   int32 `json:"overallTimeTicks"`
	ChallengeTimeTicks int32 `json:"challengeTimeTicks"`
}

type jsonUpdate struct {
	Mode        int32            `json:"mode,omitempty"`
	StageUpdate *jsonStageUpdate `json:"stageUpdate,omitempty"`
}

type jsonStageUpdate struct {
	Stage            *int32 `json:"stage"`
	Status           int32  `json:"status"`
	Accurate         bool   `json:"accurate"`
	RecordedTicks    int32  `json:"recordedTicks"`
	GameServerTicks  *int32 `json:"gameServerTicks,omitempty"`
	GameTicksPrecise bool   `json:"gameTicksPrecise,omitempty"`
}

type jsonEvent struct {
	Type   *int32 `json:"type"`
	Tick   int32  `json:"tick"`
	Stage  int32  `json:"stage"`
	XCoord int32  `json:"xCoord,omitempty"`
	YCoord int32  `json:"yCoord,omitempty"`
	Player string `json:"player,omitempty"`
}

type jsonPlayerState struct {
	Username    string `json:"username"`
	ChallengeID string `json:"challengeId"`
	Challenge   int32  `json:"challenge"`
	Mode        int32  `json:"mode"`
}

func encodeJSON(msg *Message) ([]byte, error) {
	return json.Marshal(messageToJSON(msg))
}

func decodeJSON(data []byte) (*Message, error) {
	var wire jsonMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, decodeErrorf(ErrMalformed, "invalid json: %w", err)
	}
	return jsonToMessage(&wire)
}

func messageToJSON(msg *Message) *jsonMessage {
	t := int32(msg.Type)
	wire := &jsonMessage{
		Type:              &t,
		RequestID:         msg.RequestID,
		ActiveChallengeID: msg.ActiveChallengeID,
	}

	if msg.User != nil {
		id := msg.User.ID
		wire.User = &jsonUser{ID: &id, Name: msg.User.Name}
	}
	if msg.Error != nil {
		wire.Error = &jsonError{
			Type:     int32(msg.Error.Type),
			Username: msg.Error.Username,
			Message:  msg.Error.Message,
		}
	}
	for _, r := range msg.RecentRecordings {
		wire.RecentRecordings = append(wire.RecentRecordings, jsonPastChallenge{
			ID:             r.ID,
			Challenge:      int32(r.Challenge),
			Mode:           int32(r.Mode),
			Stage:          int32(r.Stage),
			Status:         r.Status,
			Timestamp:      r.Timestamp,
			ChallengeTicks: r.ChallengeTicks,
			Party:          r.Party,
		})
	}
	for _, e := range msg.ChallengeEvents {
		t := e.Type
		wire.ChallengeEvents = append(wire.ChallengeEvents, jsonEvent{
			Type:   &t,
			Tick:   e.Tick,
			Stage:  int32(e.Stage),
			XCoord: e.XCoord,
			YCoord: e.YCoord,
			Player: e.Player,
		})
	}
	if msg.ServerStatus != nil {
		wire.ServerStatus = &jsonServerStatus{
			Status:       int32(msg.ServerStatus.Status),
			ShutdownTime: msg.ServerStatus.ShutdownTime,
		}
	}
	if msg.GameState != nil {
		gs := &jsonGameState{State: int32(msg.GameState.State)}
		if info := msg.GameState.PlayerInfo; info != nil {
			name := info.Username
			gs.PlayerInfo = &jsonPlayerInfo{
				Username:            &name,
				AccountHash:         info.AccountHash,
				OverallExperience:   info.OverallExperience,
				AttackExperience:    info.AttackExperience,
				StrengthExperience:  info.StrengthExperience,
				DefenceExperience:   info.DefenceExperience,
				HitpointsExperience: info.HitpointsExperience,
				RangedExperience:    info.RangedExperience,
				PrayerExperience:    info.PrayerExperience,
				MagicExperience:     info.MagicExperience,
			}
		}
		wire.GameState = gs
	}
	if msg.ChallengeStateConfirmation != nil {
		c := msg.ChallengeStateConfirmation
		valid := c.IsValid
		wire.ChallengeStateConfirmation = &jsonStateConfirmation{
			IsValid:   &valid,
			Username:  c.Username,
			Challenge: int32(c.Challenge),
			Mode:      int32(c.Mode),
			Stage:     int32(c.Stage),
			Party:     c.Party,
			Spectator: c.Spectator,
		}
	}
	if msg.ChallengeStartRequest != nil {
		r := msg.ChallengeStartRequest
		challenge := int32(r.Challenge)
		wire.ChallengeStartRequest = &jsonStartRequest{
			Challenge: &challenge,
			Mode:      int32(r.Mode),
			Stage:     int32(r.Stage),
			Party:     r.Party,
			Spectator: r.Spectator,
		}
	}
	if msg.ChallengeEndRequest != nil {
		wire.ChallengeEndRequest = &jsonEndRequest{
			OverallTimeTicks:   msg.ChallengeEndRequest.OverallTimeTicks,
			ChallengeTimeTicks: msg.ChallengeEndRequest.ChallengeTimeTicks,
		}
	}
	if msg.ChallengeUpdate != nil {
		u := &jsonUpdate{Mode: int32(msg.ChallengeUpdate.Mode)}
		if su := msg.ChallengeUpdate.StageUpdate; su != nil {
			stage := int32(su.Stage)
			u.StageUpdate = &jsonStageUpdate{
				Stage:            &stage,
				Status:           int32(su.Status),
				Accurate:         su.Accurate,
				RecordedTicks:    su.RecordedTicks,
				GameServerTicks:  su.GameServerTicks,
				GameTicksPrecise: su.GameTicksPrecise,
			}
		}
		wire.ChallengeUpdate = u
	}
	for _, p := range msg.PlayerState {
		wire.PlayerState = append(wire.PlayerState, jsonPlayerState{
			Username:    p.Username,
			ChallengeID: p.ChallengeID,
			Challenge:   int32(p.Challenge),
			Mode:        int32(p.Mode),
		})
	}

	return wire
}

func jsonToMessage(wire *jsonMessage) (*Message, error) {
	if wire.Type == nil {
		return nil, decodeErrorf(ErrSchema, "missing message type")
	}
	msgType := Type(*wire.Type)
	if !msgType.Valid() {
		return nil, decodeErrorf(ErrUnsupportedType, "unknown message type %d", *wire.Type)
	}
	if wire.RequestID < 0 {
		return nil, decodeErrorf(ErrSchema, "negative request id %d", wire.RequestID)
	}

	msg := &Message{
		Type:              msgType,
		RequestID:         wire.RequestID,
		ActiveChallengeID: wire.ActiveChallengeID,
	}

	if wire.User != nil {
		if wire.User.ID == nil || *wire.User.ID < 0 {
			return nil, decodeErrorf(ErrSchema, "user requires a nonnegative id")
		}
		msg.User = &User{ID: *wire.User.ID, Name: wire.User.Name}
	}
	if wire.Error != nil {
		msg.Error = &ErrorInfo{
			Type:     ErrorType(wire.Error.Type),
			Username: wire.Error.Username,
			Message:  wire.Error.Message,
		}
	}
	for _, r := range wire.RecentRecordings {
		if r.ChallengeTicks < 0 {
			return nil, decodeErrorf(ErrSchema, "negative challenge ticks %d", r.ChallengeTicks)
		}
		msg.RecentRecordings = append(msg.RecentRecordings, PastChallenge{
			ID:             r.ID,
			Challenge:      Challenge(r.Challenge),
			Mode:           Mode(r.Mode),
			Stage:          Stage(r.Stage),
			Status:         r.Status,
			Timestamp:      r.Timestamp,
			ChallengeTicks: r.ChallengeTicks,
			Party:          r.Party,
		})
	}
	for i, e := range wire.ChallengeEvents {
		if e.Type == nil {
			return nil, decodeErrorf(ErrSchema, "event %d missing type", i)
		}
		if e.Tick < 0 {
			return nil, decodeErrorf(ErrSchema, "event %d has negative tick %d", i, e.Tick)
		}
		if e.Stage < 0 {
			return nil, decodeErrorf(ErrSchema, "event %d has negative stage %d", i, e.Stage)
		}
		msg.ChallengeEvents = append(msg.ChallengeEvents, Event{
			Type:   *e.Type,
			Tick:   e.Tick,
			Stage:  Stage(e.Stage),
			XCoord: e.XCoord,
			YCoord: e.YCoord,
			Player: e.Player,
		})
	}
	if wire.ServerStatus != nil {
		msg.ServerStatus = &ServerStatusInfo{
			Status:       ServerState(wire.ServerStatus.Status),
			ShutdownTime: wire.ServerStatus.ShutdownTime,
		}
	}
	if wire.GameState != nil {
		gs := &GameState{State: GameStateKind(wire.GameState.State)}
		if info := wire.GameState.PlayerInfo; info != nil {
			if info.Username == nil {
				return nil, decodeErrorf(ErrSchema, "player info requires a username")
			}
			gs.PlayerInfo = &PlayerInfo{
				Username:            *info.Username,
				AccountHash:         info.AccountHash,
				OverallExperience:   info.OverallExperience,
				AttackExperience:    info.AttackExperience,
				StrengthExperience:  info.StrengthExperience,
				DefenceExperience:   info.DefenceExperience,
				HitpointsExperience: info.HitpointsExperience,
				RangedExperience:    info.RangedExperience,
				PrayerExperience:    info.PrayerExperience,
				MagicExperience:     info.MagicExperience,
			}
		}
		msg.GameState = gs
	}
	if wire.ChallengeStateConfirmation != nil {
		c := wire.ChallengeStateConfirmation
		if c.IsValid == nil {
			return nil, decodeErrorf(ErrSchema, "state confirmation requires isValid")
		}
		msg.ChallengeStateConfirmation = &StateConfirmation{
			IsValid:   *c.IsValid,
			Username:  c.Username,
			Challenge: Challenge(c.Challenge),
			Mode:      Mode(c.Mode),
			Stage:     Stage(c.Stage),
			Party:     c.Party,
			Spectator: c.Spectator,
		}
	}
	if wire.ChallengeStartRequest != nil {
		r := wire.ChallengeStartRequest
		if r.Challenge == nil {
			return nil, decodeErrorf(ErrSchema, "start request requires a challenge")
		}
		msg.ChallengeStartRequest = &StartRequest{
			Challenge: Challenge(*r.Challenge),
			Mode:      Mode(r.Mode),
			Stage:     Stage(r.Stage),
			Party:     r.Party,
			Spectator: r.Spectator,
		}
	}
	if wire.ChallengeEndRequest != nil {
		msg.ChallengeEndRequest = &EndRequest{
			OverallTimeTicks:   wire.ChallengeEndRequest.OverallTimeTicks,
			ChallengeTimeTicks: wire.ChallengeEndRequest.ChallengeTimeTicks,
		}
	}
	if wire.ChallengeUpdate != nil {
		u := &Update{Mode: Mode(wire.ChallengeUpdate.Mode)}
		if su := wire.ChallengeUpdate.StageUpdate; su != nil {
			if su.Stage == nil {
				return nil, decodeErrorf(ErrSchema, "stage update requires a stage")
			}
			if su.RecordedTicks < 0 {
				return nil, decodeErrorf(ErrSchema, "negative recorded ticks %d", su.RecordedTicks)
			}
			u.StageUpdate = &StageUpdate{
				Stage:            Stage(*su.Stage),
				Status:           StageStatus(su.Status),
				Accurate:         su.Accurate,
				RecordedTicks:    su.RecordedTicks,
				GameServerTicks:  su.GameServerTicks,
				GameTicksPrecise: su.GameTicksPrecise,
			}
		}
		msg.ChallengeUpdate = u
	}
	for _, p := range wire.PlayerState {
		msg.PlayerState = append(msg.PlayerState, PlayerState{
			Username:    p.Username,
			ChallengeID: p.ChallengeID,
			Challenge:   Challenge(p.Challenge),
			Mode:        Mode(p.Mode),
		})
	}

	return msg, nil
}
