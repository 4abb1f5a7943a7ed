// Package session owns one physical client connection: its inbound message
// pump, heartbeat loop, and server-initiated game-state request cycle.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/users"
	"github.com/raidwatch/relay/verification"
)

const (
	// Delay before the first game-state request after the welcome message.
	gameStateInitialDelay = time.Second
	// Interval between game-state request retries.
	gameStateRetryInterval = 5 * time.Second
	// Maximum number of game-state requests before giving up silently.
	gameStateMaxAttempts = 5

	statsLogInterval = 2 * time.Minute
)

// Conn is the message-oriented transport underneath a session.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Handler consumes messages dispatched from a session's queue and is
// notified when the session closes.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg *protocol.Message) error
	CloseSession(s *Session)
}

// Options tune the session's loops. Zero values fall back to defaults.
type Options struct {
	// HeartbeatInterval is the delay between keep-alive probes.
	HeartbeatInterval time.Duration
	// HeartbeatThreshold is the number of consecutive unacknowledged
	// probes after which the session is closed as unresponsive.
	HeartbeatThreshold int
	// DispatchInterval is the tick at which queued messages are handed to
	// the handler.
	DispatchInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatThreshold <= 0 {
		o.HeartbeatThreshold = 10
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 20 * time.Millisecond
	}
}

type activeChallenge struct {
	uuid   string
	stages map[protocol.Stage]int32
}

type trafficStats struct {
	total      int64
	maxSize    int
	totalBytes int64
}

func (s *trafficStats) record(size int) {
	s.total++
	if size > s.maxSize {
		s.maxSize = size
	}
	s.totalBytes += int64(size)
}

func (s *trafficStats) mean() int64 {
	if s.total == 0 {
		return 0
	}
	return s.totalBytes / s.total
}

// Session is one authenticated client connection. All mutable state is
// owned by the session's own goroutines or guarded by its lock; other
// components interact with it only through its methods.
type Session struct {
	id      uint64
	conn    Conn
	handler Handler
	format  protocol.Format
	plugin  verification.PluginVersions
	opts    Options
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	writeMu sync.Mutex

	mu               sync.Mutex
	user             users.BasicUser
	queue            []*protocol.Message
	active           *activeChallenge
	loggedInName     string
	closed           bool
	closeCallbacks   []func()
	heartbeatAcked   bool
	missedHeartbeats int
	gameStateTimer   *time.Timer
	gameStateTries   int
	in, out          trafficStats
	lastStatsLog     time.Time
}

func New(id uint64, conn Conn, handler Handler, user users.BasicUser,
	plugin verification.PluginVersions, format protocol.Format, opts Options, logger zerolog.Logger) *Session {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		conn:    conn,
		handler: handler,
		format:  format,
		plugin:  plugin,
		opts:    opts,
		logger: logger.With().
			Str("com", "session").
			Uint64("session", id).
			Int64("user", user.ID).
			Str("username", user.Username).
			Logger(),
		ctx:            ctx,
		cancel:         cancel,
		user:           user,
		heartbeatAcked: true,
		lastStatsLog:   time.Now(),
	}
}

// Start launches the session's read, dispatch, and heartbeat loops.
func (s *Session) Start() {
	go s.readLoop()
	go s.dispatchLoop()
	go s.heartbeatLoop()
}

func (s *Session) SessionID() uint64 { return s.id }

func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.ID
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.Username
}

func (s *Session) LinkedPlayerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user.LinkedPlayerID
}

// SetLinkedPlayerID repoints the session at a different player record. Used
// when a name change merges two records and the original is deleted.
func (s *Session) SetLinkedPlayerID(playerID int64) {
	s.mu.Lock()
	s.user.LinkedPlayerID = playerID
	s.mu.Unlock()
}

func (s *Session) Format() protocol.Format { return s.format }

func (s *Session) PluginVersions() verification.PluginVersions { return s.plugin }

func (s *Session) ActiveChallengeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.uuid
}

func (s *Session) SetActiveChallenge(challengeID string) {
	s.mu.Lock()
	s.active = &activeChallenge{uuid: challengeID, stages: make(map[protocol.Stage]int32)}
	s.mu.Unlock()
	s.logger.Info().Str("challenge", challengeID).Msg("active challenge set")
}

func (s *Session) ClearActiveChallenge() {
	s.mu.Lock()
	previous := ""
	if s.active != nil {
		previous = s.active.uuid
	}
	s.active = nil
	s.mu.Unlock()
	if previous != "" {
		s.logger.Info().Str("challenge", previous).Msg("active challenge cleared")
	}
}

func (s *Session) SetStageAttempt(stage protocol.Stage, attempt int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.stages[stage] = attempt
	}
}

// StageAttempt returns the attempt number bound for a stage, or 0 if none
// has been confirmed by the coordination service.
func (s *Session) StageAttempt(stage protocol.Stage) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return 0
	}
	return s.active.stages[stage]
}

func (s *Session) LoggedInName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedInName
}

func (s *Session) SetLoggedInName(name string) {
	s.mu.Lock()
	s.loggedInName = name
	s.mu.Unlock()
}

// OnClose registers a callback invoked exactly once when the session
// closes, regardless of which path triggered the close.
func (s *Session) OnClose(callback func()) {
	s.mu.Lock()
	s.closeCallbacks = append(s.closeCallbacks, callback)
	s.mu.Unlock()
}

// Send encodes and writes a message, best-effort: sends on a closed
// session are silently dropped.
func (s *Session) Send(msg *protocol.Message) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	data, binaryFrame, err := protocol.Encode(msg, s.format)
	if err != nil {
		s.logger.Error().Err(err).Uint8("type", uint8(msg.Type)).Msg("encode outbound message")
		return
	}

	frameType := websocket.TextMessage
	if binaryFrame {
		frameType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(frameType, data)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Msg("write failed")
		return
	}

	s.mu.Lock()
	s.out.record(len(data))
	s.mu.Unlock()
}

// SendUnauthenticatedAndClose notifies the client of a terminal
// authentication failure, then closes shortly after to let the message
// flush.
func (s *Session) SendUnauthenticatedAndClose() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.Send(&protocol.Message{
		Type:  protocol.TypeError,
		Error: &protocol.ErrorInfo{Type: protocol.ErrorUnauthenticated},
	})
	time.AfterFunc(time.Second, s.Close)
}

// Close tears the session down: loops are cancelled, pending timers
// stopped, close callbacks and the handler notified. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(s.teardown)
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	callbacks := s.closeCallbacks
	s.closeCallbacks = nil
	s.queue = nil
	if s.gameStateTimer != nil {
		s.gameStateTimer.Stop()
		s.gameStateTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()

	// The challenge binding must stay visible until the handler has been
	// told about the disconnect, or it cannot unbind the session from its
	// challenge.
	for _, callback := range callbacks {
		callback()
	}
	s.handler.CloseSession(s)

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	s.logger.Info().Msg("session closed")
}

// StartGameStateRequestCycle schedules game-state snapshot requests: one
// after an initial delay, then retries on a fixed interval up to a bounded
// attempt count. Called after the welcome message has been sent.
func (s *Session) StartGameStateRequestCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.gameStateTimer != nil {
		s.gameStateTimer.Stop()
	}
	s.gameStateTries = 0
	s.gameStateTimer = time.AfterFunc(gameStateInitialDelay, s.sendGameStateRequest)
}

// CancelGameStateRequest stops the request cycle. Called when any valid
// game-state snapshot is received.
func (s *Session) CancelGameStateRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameStateTimer != nil {
		s.gameStateTimer.Stop()
		s.gameStateTimer = nil
	}
}

func (s *Session) sendGameStateRequest() {
	s.mu.Lock()
	if s.closed || s.gameStateTimer == nil {
		s.mu.Unlock()
		return
	}
	if s.gameStateTries == gameStateMaxAttempts {
		// An absent client cannot be forced to respond.
		s.gameStateTimer = nil
		s.mu.Unlock()
		s.logger.Warn().Int("attempts", gameStateMaxAttempts).Msg("game state request attempts exhausted")
		return
	}
	s.gameStateTries++
	attempt := s.gameStateTries
	s.gameStateTimer = time.AfterFunc(gameStateRetryInterval, s.sendGameStateRequest)
	s.mu.Unlock()

	s.logger.Debug().Int("attempt", attempt).Msg("sending game state request")
	s.Send(&protocol.Message{Type: protocol.TypeGameStateRequest})
}

// readLoop decodes inbound frames synchronously and appends valid messages
// to the dispatch queue. Malformed frames are dropped without closing the
// connection.
func (s *Session) readLoop() {
	defer s.Close()

	for {
		frameType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logger.Info().Err(err).Msg("connection closed")
			}
			return
		}

		s.mu.Lock()
		s.in.record(len(data))
		logStats := time.Since(s.lastStatsLog) > statsLogInterval
		if logStats {
			s.lastStatsLog = time.Now()
		}
		s.mu.Unlock()
		if logStats {
			s.logTrafficStats()
		}

		binaryFrame := frameType == websocket.BinaryMessage
		msg, err := protocol.Decode(data, binaryFrame, s.format)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("invalid message dropped")
			continue
		}

		s.mu.Lock()
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
	}
}

// dispatchLoop drains the inbound queue at a fixed tick, one message at a
// time, preserving arrival order. Keep-alive acknowledgments are consumed
// here and never reach the handler.
func (s *Session) dispatchLoop() {
	ticker := time.NewTicker(s.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		var msg *protocol.Message
		if len(s.queue) > 0 {
			msg = s.queue[0]
			s.queue = s.queue[1:]
		}
		if msg != nil && msg.Type == protocol.TypePong {
			s.heartbeatAcked = true
			s.missedHeartbeats = 0
			msg = nil
		}
		s.mu.Unlock()

		if msg == nil {
			continue
		}
		if err := s.handler.HandleMessage(s.ctx, s, msg); err != nil {
			s.logger.Error().Err(err).Uint8("type", uint8(msg.Type)).Msg("message handler failed")
		}
	}
}

// heartbeatLoop probes the client on a fixed interval. A probe resets the
// acknowledged flag after sending, so an acknowledgment must arrive before
// the next probe to count.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		s.Send(&protocol.Message{Type: protocol.TypePing})

		s.mu.Lock()
		unresponsive := false
		if !s.heartbeatAcked {
			s.missedHeartbeats++
			if s.missedHeartbeats >= s.opts.HeartbeatThreshold {
				unresponsive = true
			}
		}
		missed := s.missedHeartbeats
		s.heartbeatAcked = false
		s.mu.Unlock()

		if unresponsive {
			s.logger.Warn().Int("missed", missed).Msg("client unresponsive")
			s.Close()
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) logTrafficStats() {
	s.mu.Lock()
	in, out := s.in, s.out
	s.mu.Unlock()

	s.logger.Info().
		Int64("in_total", in.total).
		Int("in_max", in.maxSize).
		Int64("in_mean", in.mean()).
		Int64("out_total", out.total).
		Int("out_max", out.maxSize).
		Int64("out_mean", out.mean()).
		Msg("message stats")
}
