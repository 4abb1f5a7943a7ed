package challenge

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Transient peer failures are retried with exponential backoff.
	maxRequestAttempts = 4
	baseRetryDelay     = 100 * time.Millisecond

	// Stage streams are garbage-collected if the peer never finalizes
	// the challenge.
	stageStreamTTL = 24 * time.Hour
)

// Stage stream record fields.
const (
	streamFieldType   = "type"
	streamFieldClient = "clientId"
	streamFieldData   = "data"

	streamTypeEvents = "events"
	streamTypeEnd    = "end"
)

type peerError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type serverUpdate struct {
	Action int32  `json:"action"`
	ID     string `json:"id"`
}

// Peer-originated lifecycle notification actions.
const updateActionFinish int32 = 1

type clientStatusEvent struct {
	Type   int32        `json:"type"`
	UserID int64        `json:"userId"`
	Status ClientStatus `json:"status"`
}

// RemoteManager coordinates challenges through the authoritative peer
// service. Lifecycle mutations are HTTP RPCs; recorded events are appended
// to per-stage logs in the shared store. A background subscription delivers
// peer-originated finish notifications to bound recorders.
type RemoteManager struct {
	baseURL string
	http    *http.Client
	rdb     *redis.Client
	logger  zerolog.Logger

	mu        sync.Mutex
	recorders map[string][]Recorder
}

func NewRemoteManager(baseURL string, httpClient *http.Client, rdb *redis.Client, logger zerolog.Logger) *RemoteManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RemoteManager{
		baseURL:   baseURL,
		http:      httpClient,
		rdb:       rdb,
		logger:    logger.With().Str("com", "challenge-manager").Logger(),
		recorders: make(map[string][]Recorder),
	}
}

// Run consumes peer-originated lifecycle notifications until ctx is
// canceled. A FINISH notification force-notifies every recorder bound to
// the challenge and clears their bindings.
func (m *RemoteManager) Run(ctx context.Context) error {
	sub := m.rdb.Subscribe(ctx, challengeUpdatesChannel)
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
			m.handleServerUpdate(msg.Payload)
		}
	}
}

func (m *RemoteManager) handleServerUpdate(payload string) {
	var update serverUpdate
	if err := json.UnmarshalFromString(payload, &update); err != nil {
		m.logger.Warn().Err(err).Msg("malformed challenge update notification")
		return
	}

	switch update.Action {
	case updateActionFinish:
		m.mu.Lock()
		recs := m.recorders[update.ID]
		delete(m.recorders, update.ID)
		m.mu.Unlock()

		if len(recs) == 0 {
			return
		}
		m.logger.Info().
			Str("challenge", update.ID).
			Int("recorders", len(recs)).
			Msg("challenge finished remotely")

		for _, rec := range recs {
			rec.Send(&protocol.Message{
				Type:              protocol.TypeError,
				ActiveChallengeID: update.ID,
				Error:             &protocol.ErrorInfo{Type: protocol.ErrorChallengeRecordingEnded},
			})
			rec.ClearActiveChallenge()
		}
	}
}

func (m *RemoteManager) StartOrJoin(ctx context.Context, rec Recorder, challengeType protocol.Challenge,
	mode protocol.Mode, party []string, stage protocol.Stage, recordingType RecordingType) (*Status, error) {
	body := struct {
		UserID        int64              `json:"userId"`
		Type          protocol.Challenge `json:"type"`
		Mode          protocol.Mode      `json:"mode"`
		Party         []string           `json:"party"`
		Stage         protocol.Stage     `json:"stage"`
		RecordingType RecordingType      `json:"recordingType"`
	}{rec.UserID(), challengeType, mode, party, stage, recordingType}

	resp, err := m.post(ctx, "start", "/challenges/new", body)
	if err != nil {
		return nil, err
	}
	status, err := decodeStatus(resp)
	if err != nil {
		return nil, fmt.Errorf("start challenge: %w", err)
	}

	m.bind(rec, status.UUID)
	return status, nil
}

func (m *RemoteManager) Complete(ctx context.Context, rec Recorder, challengeID string, times *RecordedTimes) error {
	// The recorder is always unbound, even when the peer call fails; the
	// peer eventually cleans up abandoned challenges on its own.
	defer m.unbind(rec)

	// Clients report -1 for a time they could not capture. A lone captured
	// time is unlikely to be meaningful, so forward times only when both
	// are present.
	if times != nil && (times.Challenge <= 0 || times.Overall <= 0) {
		times = nil
	}

	body := struct {
		UserID int64          `json:"userId"`
		Times  *RecordedTimes `json:"times"`
	}{rec.UserID(), times}

	resp, err := m.post(ctx, "complete", "/challenges/"+challengeID+"/finish", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("complete challenge: %s", peerMessage(resp))
	}
	return nil
}

func (m *RemoteManager) Update(ctx context.Context, rec Recorder, challengeID string, update *protocol.Update) (*Status, error) {
	if su := update.StageUpdate; su != nil &&
		(su.Status == protocol.StageCompleted || su.Status == protocol.StageWiped) {
		// Readers of the stage log must see a terminal marker even if the
		// peer update below fails or is delayed.
		m.writeStageEnd(ctx, rec, challengeID, su)
	}

	body := struct {
		UserID int64            `json:"userId"`
		Update *protocol.Update `json:"update"`
	}{rec.UserID(), update}

	resp, err := m.post(ctx, "update", "/challenges/"+challengeID, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusConflict {
		msg := peerMessage(resp)
		resp.Body.Close()
		m.logger.Warn().
			Str("challenge", challengeID).
			Str("reason", msg).
			Msg("challenge update rejected")
		return nil, ErrUpdateRejected
	}

	status, err := decodeStatus(resp)
	if err != nil {
		return nil, fmt.Errorf("update challenge: %w", err)
	}
	return status, nil
}

func (m *RemoteManager) writeStageEnd(ctx context.Context, rec Recorder, challengeID string, su *protocol.StageUpdate) {
	attempt := rec.StageAttempt(su.Stage)

	ok, err := m.shouldWriteStageEnd(ctx, challengeID, int32(su.Stage), attempt)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("challenge", challengeID).
			Int32("stage", int32(su.Stage)).
			Msg("stage end check failed")
		return
	}
	if !ok {
		return
	}

	data, err := json.Marshal(su)
	if err != nil {
		m.logger.Error().Err(err).Msg("serialize stage end marker")
		return
	}
	record := map[string]any{
		streamFieldType:   streamTypeEnd,
		streamFieldClient: rec.UserID(),
		streamFieldData:   data,
	}
	if err := m.appendStream(ctx, challengeID, int32(su.Stage), attempt, record); err != nil {
		m.logger.Error().Err(err).
			Str("challenge", challengeID).
			Int32("stage", int32(su.Stage)).
			Msg("append stage end marker")
	}
}

// shouldWriteStageEnd skips writes for challenges the store no longer
// knows, and for stage attempts the peer has already finalized.
func (m *RemoteManager) shouldWriteStageEnd(ctx context.Context, challengeID string, stage, attempt int32) (bool, error) {
	pipe := m.rdb.Pipeline()
	existsCmd := pipe.Exists(ctx, challengeKey(challengeID))
	processedCmd := pipe.SIsMember(ctx, processedStagesKey(challengeID), stageAttemptMember(stage, attempt))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if existsCmd.Val() == 0 {
		m.logger.Warn().
			Str("challenge", challengeID).
			Int32("stage", stage).
			Msg("stage end skipped, challenge missing")
		return false, nil
	}
	if processedCmd.Val() {
		m.logger.Warn().
			Str("challenge", challengeID).
			Int32("stage", stage).
			Int32("attempt", attempt).
			Msg("stage end skipped, stage already processed")
		return false, nil
	}
	return true, nil
}

func (m *RemoteManager) ProcessEvents(ctx context.Context, rec Recorder, challengeID string, events []protocol.Event) error {
	exists, err := m.rdb.Exists(ctx, challengeKey(challengeID)).Result()
	if err != nil {
		return fmt.Errorf("check challenge: %w", err)
	}
	if exists == 0 {
		m.logger.Debug().Str("challenge", challengeID).Msg("events dropped, challenge missing")
		return nil
	}

	// Group by stage, preserving first-occurrence order.
	var stages []protocol.Stage
	byStage := make(map[protocol.Stage][]protocol.Event)
	for _, ev := range events {
		if _, seen := byStage[ev.Stage]; !seen {
			stages = append(stages, ev.Stage)
		}
		byStage[ev.Stage] = append(byStage[ev.Stage], ev)
	}

	processedSetKey := processedStagesKey(challengeID)
	check := m.rdb.Pipeline()
	processed := make([]*redis.BoolCmd, len(stages))
	for i, stage := range stages {
		processed[i] = check.SIsMember(ctx, processedSetKey,
			stageAttemptMember(int32(stage), rec.StageAttempt(stage)))
	}
	if _, err := check.Exec(ctx); err != nil {
		return fmt.Errorf("check processed stages: %w", err)
	}

	tx := m.rdb.TxPipeline()
	hasWrites := false
	for i, stage := range stages {
		attempt := rec.StageAttempt(stage)
		if processed[i].Val() {
			m.logger.Debug().
				Str("challenge", challengeID).
				Int32("stage", int32(stage)).
				Int32("attempt", attempt).
				Msg("events dropped, stage already processed")
			continue
		}

		data, err := json.Marshal(byStage[stage])
		if err != nil {
			return fmt.Errorf("serialize stage events: %w", err)
		}
		key := stageStreamKey(challengeID, int32(stage), attempt)
		tx.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{
			streamFieldType:   streamTypeEvents,
			streamFieldClient: rec.UserID(),
			streamFieldData:   data,
		}})
		tx.SAdd(ctx, streamsSetKey(challengeID), key)
		tx.Expire(ctx, key, stageStreamTTL)
		hasWrites = true
	}

	if !hasWrites {
		return nil
	}
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("append stage events: %w", err)
	}
	return nil
}

func (m *RemoteManager) appendStream(ctx context.Context, challengeID string, stage, attempt int32, record map[string]any) error {
	key := stageStreamKey(challengeID, stage, attempt)
	tx := m.rdb.TxPipeline()
	tx.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: record})
	tx.SAdd(ctx, streamsSetKey(challengeID), key)
	tx.Expire(ctx, key, stageStreamTTL)
	_, err := tx.Exec(ctx)
	return err
}

func (m *RemoteManager) AddClient(ctx context.Context, rec Recorder, challengeID string, recordingType RecordingType) (*Status, error) {
	body := struct {
		UserID        int64         `json:"userId"`
		RecordingType RecordingType `json:"recordingType"`
	}{rec.UserID(), recordingType}

	resp, err := m.post(ctx, "join", "/challenges/"+challengeID+"/join", body)
	if err != nil {
		return nil, err
	}
	status, err := decodeStatus(resp)
	if err != nil {
		return nil, fmt.Errorf("join challenge: %w", err)
	}

	m.bind(rec, status.UUID)
	return status, nil
}

func (m *RemoteManager) UpdateClientStatus(ctx context.Context, rec Recorder, status ClientStatus) {
	payload, err := json.Marshal(clientStatusEvent{Type: 1, UserID: rec.UserID(), Status: status})
	if err == nil {
		err = m.rdb.LPush(ctx, clientEventsKey, payload).Err()
	}
	if err != nil {
		m.logger.Error().Err(err).Int64("user", rec.UserID()).Msg("push client status event")
	}

	// Local bookkeeping must not depend on remote availability.
	if status == ClientDisconnected {
		m.unbind(rec)
	}
}

func (m *RemoteManager) ChallengeInfo(ctx context.Context, challengeID string) (*Info, error) {
	fields, err := m.rdb.HGetAll(ctx, challengeKey(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read challenge info: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	info := &Info{
		Type:   protocol.Challenge(parseField(fields, "type")),
		Mode:   protocol.Mode(parseField(fields, "mode")),
		Status: parseField(fields, "status"),
		Stage:  protocol.Stage(parseField(fields, "stage")),
	}
	if raw, ok := fields["stageAttempt"]; ok && raw != "" {
		info.StageAttempt = parseField(fields, "stageAttempt")
	}
	if raw, ok := fields["party"]; ok && raw != "" {
		info.Party = splitParty(raw)
	}
	return info, nil
}

func (m *RemoteManager) bind(rec Recorder, challengeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorders[challengeID] = append(m.recorders[challengeID], rec)
}

func (m *RemoteManager) unbind(rec Recorder) {
	defer rec.ClearActiveChallenge()

	challengeID := rec.ActiveChallengeID()
	if challengeID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.recorders[challengeID]
	for i, r := range recs {
		if r.SessionID() == rec.SessionID() {
			recs = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(recs) == 0 {
		delete(m.recorders, challengeID)
	} else {
		m.recorders[challengeID] = recs
	}
}

// post issues an idempotent-intent RPC to the coordination peer, retrying
// transient failures (502/503 and network errors) with exponential backoff.
// The last error is surfaced when retries are exhausted.
func (m *RemoteManager) post(ctx context.Context, op, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: serialize request: %w", op, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRequestAttempts; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			m.logger.Warn().
				Str("operation", op).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying peer request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := m.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", op, err)
			continue
		}
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s: transient peer error: %d", op, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func decodeStatus(resp *http.Response) (*Status, error) {
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("peer error: %s", peerMessage(resp))
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode peer response: %w", err)
	}
	return &status, nil
}

func peerMessage(resp *http.Response) string {
	var pe peerError
	if err := json.NewDecoder(resp.Body).Decode(&pe); err != nil || pe.Error.Message == "" {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return pe.Error.Message
}

func splitParty(raw string) []string {
	return strings.Split(raw, ",")
}

func parseField(fields map[string]string, name string) int32 {
	n, _ := strconv.ParseInt(fields[name], 10, 32)
	return int32(n)
}
