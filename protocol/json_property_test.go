package protocol

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

// TestReadableRoundTrip_Property verifies that for any message the relay
// emits, encoding to the readable form and decoding back yields an
// equivalent message: the List-suffix renaming is loss-free in both
// directions.
func TestReadableRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage(t)

		data, _, err := Encode(msg, FormatJSON)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(data, false, FormatJSON)
		if err != nil {
			t.Fatalf("Decode failed for %s: %v", data, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, msg)
		}
	})
}

// TestBinaryRoundTrip_Property verifies the framed binary encoding is
// loss-free for any message the relay emits.
func TestBinaryRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := genMessage(t)

		data, _, err := Encode(msg, FormatBinary)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		got, err := Decode(data, true, FormatBinary)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, msg)
		}
	})
}

// genMessage draws a message with one randomly chosen payload variant,
// mirroring the invariant that exactly one payload field is set per type.
func genMessage(t *rapid.T) *Message {
	username := rapid.StringMatching(`[A-Za-z0-9 _-]{1,12}`)
	party := rapid.SliceOfN(username, 1, 5)

	msg := &Message{
		RequestID:         rapid.Int32Range(0, 1<<30).Draw(t, "requestId"),
		ActiveChallengeID: rapid.StringMatching(`[a-f0-9-]{0,36}`).Draw(t, "challengeId"),
	}

	switch rapid.IntRange(0, 8).Draw(t, "variant") {
	case 0:
		msg.Type = TypePing
	case 1:
		msg.Type = TypeConnectionResponse
		msg.User = &User{
			ID:   rapid.Int64Range(0, 1<<40).Draw(t, "userId"),
			Name: username.Draw(t, "userName"),
		}
	case 2:
		msg.Type = TypeHistoryResponse
		n := rapid.IntRange(0, 3).Draw(t, "recordings")
		for i := 0; i < n; i++ {
			msg.RecentRecordings = append(msg.RecentRecordings, PastChallenge{
				ID:             rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "recId"),
				Challenge:      Challenge(rapid.Int32Range(0, 6).Draw(t, "recChallenge")),
				Mode:           Mode(rapid.Int32Range(0, 3).Draw(t, "recMode")),
				Stage:          Stage(rapid.Int32Range(0, 20).Draw(t, "recStage")),
				Status:         rapid.Int32Range(0, 4).Draw(t, "recStatus"),
				Timestamp:      rapid.Int64Range(0, 1<<40).Draw(t, "recTime"),
				ChallengeTicks: rapid.Int32Range(0, 10000).Draw(t, "recTicks"),
				Party:          party.Draw(t, "recParty"),
			})
		}
	case 3:
		msg.Type = TypeEventStream
		n := rapid.IntRange(1, 6).Draw(t, "events")
		for i := 0; i < n; i++ {
			msg.ChallengeEvents = append(msg.ChallengeEvents, Event{
				Type:   rapid.Int32Range(0, 100).Draw(t, "evType"),
				Tick:   rapid.Int32Range(0, 10000).Draw(t, "evTick"),
				Stage:  Stage(rapid.Int32Range(0, 20).Draw(t, "evStage")),
				XCoord: rapid.Int32Range(0, 4000).Draw(t, "evX"),
				YCoord: rapid.Int32Range(0, 4000).Draw(t, "evY"),
				Player: username.Draw(t, "evPlayer"),
			})
		}
	case 4:
		msg.Type = TypeServerStatus
		msg.ServerStatus = &ServerStatusInfo{
			Status:       ServerState(rapid.Int32Range(1, 5).Draw(t, "state")),
			ShutdownTime: rapid.Int64Range(0, 1<<40).Draw(t, "shutdownTime"),
		}
	case 5:
		msg.Type = TypeGameState
		gs := &GameState{State: GameStateKind(rapid.Int32Range(1, 2).Draw(t, "gsKind"))}
		if rapid.Bool().Draw(t, "hasPlayerInfo") {
			gs.PlayerInfo = &PlayerInfo{
				Username:          username.Draw(t, "gsName"),
				AccountHash:       rapid.StringMatching(`-?[0-9]{1,18}`).Draw(t, "gsHash"),
				OverallExperience: rapid.Uint64Range(0, 1<<40).Draw(t, "gsXp"),
				AttackExperience:  rapid.Uint64Range(0, 200_000_000).Draw(t, "gsAtk"),
			}
		}
		msg.GameState = gs
	case 6:
		msg.Type = TypeChallengeStateConfirmation
		msg.ChallengeStateConfirmation = &StateConfirmation{
			IsValid:   rapid.Bool().Draw(t, "isValid"),
			Username:  username.Draw(t, "confName"),
			Challenge: Challenge(rapid.Int32Range(0, 6).Draw(t, "confChallenge")),
			Mode:      Mode(rapid.Int32Range(0, 3).Draw(t, "confMode")),
			Stage:     Stage(rapid.Int32Range(0, 20).Draw(t, "confStage")),
			Party:     party.Draw(t, "confParty"),
			Spectator: rapid.Bool().Draw(t, "confSpectator"),
		}
	case 7:
		msg.Type = TypePlayerStateUpdate
		n := rapid.IntRange(1, 5).Draw(t, "states")
		for i := 0; i < n; i++ {
			msg.PlayerState = append(msg.PlayerState, PlayerState{
				Username:    username.Draw(t, "psName"),
				ChallengeID: rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "psChallengeId"),
				Challenge:   Challenge(rapid.Int32Range(0, 6).Draw(t, "psChallenge")),
				Mode:        Mode(rapid.Int32Range(0, 3).Draw(t, "psMode")),
			})
		}
	default:
		msg.Type = TypeChallengeStartRequest
		msg.ChallengeStartRequest = &StartRequest{
			Challenge: Challenge(rapid.Int32Range(0, 6).Draw(t, "startChallenge")),
			Mode:      Mode(rapid.Int32Range(0, 3).Draw(t, "startMode")),
			Stage:     Stage(rapid.Int32Range(0, 20).Draw(t, "startStage")),
			Party:     party.Draw(t, "startParty"),
			Spectator: rapid.Bool().Draw(t, "startSpectator"),
		}
	}
	return msg
}
