package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/raidwatch/relay/protocol"
	"github.com/raidwatch/relay/users"
	"github.com/raidwatch/relay/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inboundFrame struct {
	frameType int
	data      []byte
}

// fakeConn is an in-memory Conn: reads block on an inbox channel until the
// connection is closed, writes are recorded.
type fakeConn struct {
	inbox     chan inboundFrame
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []inboundFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan inboundFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.inbox:
		return f.frameType, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(frameType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, inboundFrame{frameType, data})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// written decodes every recorded outbound frame.
func (c *fakeConn) written(t *testing.T) []*protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]*protocol.Message, 0, len(c.writes))
	for _, f := range c.writes {
		msg, err := protocol.Decode(f.data, f.frameType == websocket.BinaryMessage, protocol.FormatBinary)
		if err != nil {
			t.Fatalf("outbound frame does not decode: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// deliver encodes a message as a binary frame and feeds it to the read loop.
func (c *fakeConn) deliver(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, binaryFrame, err := protocol.Encode(msg, protocol.FormatBinary)
	if err != nil {
		t.Fatalf("encode inbound message: %v", err)
	}
	frameType := websocket.TextMessage
	if binaryFrame {
		frameType = websocket.BinaryMessage
	}
	c.inbox <- inboundFrame{frameType, data}
}

type fakeHandler struct {
	mu             sync.Mutex
	messages       []*protocol.Message
	closes         int
	closeChallenge string
}

func (h *fakeHandler) HandleMessage(_ context.Context, _ *Session, msg *protocol.Message) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) CloseSession(s *Session) {
	h.mu.Lock()
	h.closes++
	h.closeChallenge = s.ActiveChallengeID()
	h.mu.Unlock()
}

func (h *fakeHandler) handled() []*protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Message(nil), h.messages...)
}

func (h *fakeHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func newTestSession(conn Conn, handler Handler, opts Options) *Session {
	user := users.BasicUser{ID: 42, Username: "tester"}
	return New(1, conn, handler, user, verification.PluginVersions{}, protocol.FormatBinary, opts, zerolog.Nop())
}

func awaitCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestSession_DispatchPreservesOrder verifies queued messages reach the
// handler one per tick in arrival order.
func TestSession_DispatchPreservesOrder(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{
		HeartbeatInterval: time.Minute,
		DispatchInterval:  time.Millisecond,
	})
	s.Start()
	defer s.Close()

	for i := int32(1); i <= 3; i++ {
		conn.deliver(t, &protocol.Message{Type: protocol.TypeHistoryRequest, RequestID: i})
	}

	awaitCondition(t, time.Second, func() bool { return len(handler.handled()) == 3 })
	for i, msg := range handler.handled() {
		if msg.RequestID != int32(i+1) {
			t.Errorf("message %d has request id %d, arrival order not preserved", i, msg.RequestID)
		}
	}
}

// TestSession_PongNeverReachesHandler verifies keep-alive acknowledgments
// are consumed in the dispatch loop.
func TestSession_PongNeverReachesHandler(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{
		HeartbeatInterval: time.Minute,
		DispatchInterval:  time.Millisecond,
	})
	s.Start()
	defer s.Close()

	conn.deliver(t, &protocol.Message{Type: protocol.TypePong})
	conn.deliver(t, &protocol.Message{Type: protocol.TypeHistoryRequest, RequestID: 9})

	awaitCondition(t, time.Second, func() bool { return len(handler.handled()) == 1 })
	if got := handler.handled()[0].Type; got != protocol.TypeHistoryRequest {
		t.Errorf("handler saw message type %d", got)
	}
}

// TestSession_MalformedFrameDropped verifies an undecodable frame is
// discarded without closing the connection.
func TestSession_MalformedFrameDropped(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{
		HeartbeatInterval: time.Minute,
		DispatchInterval:  time.Millisecond,
	})
	s.Start()
	defer s.Close()

	conn.inbox <- inboundFrame{websocket.BinaryMessage, []byte{0xFF, 0x00}}
	conn.deliver(t, &protocol.Message{Type: protocol.TypeHistoryRequest, RequestID: 5})

	awaitCondition(t, time.Second, func() bool { return len(handler.handled()) == 1 })
	if handler.closeCount() != 0 {
		t.Error("malformed frame must not close the session")
	}
}

// TestSession_HeartbeatThresholdCloses verifies an unresponsive client is
// closed after the configured number of consecutive missed probes, with the
// handler and close callbacks notified exactly once.
func TestSession_HeartbeatThresholdCloses(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{
		HeartbeatInterval:  10 * time.Millisecond,
		HeartbeatThreshold: 3,
		DispatchInterval:   time.Millisecond,
	})

	var callbackRuns int
	var callbackMu sync.Mutex
	s.OnClose(func() {
		callbackMu.Lock()
		callbackRuns++
		callbackMu.Unlock()
	})

	s.Start()

	awaitCondition(t, 2*time.Second, func() bool { return handler.closeCount() > 0 })

	pings := 0
	for _, msg := range conn.written(t) {
		if msg.Type == protocol.TypePing {
			pings++
		}
	}
	// One probe with the initial grace plus one per missed count.
	if pings < 3 {
		t.Errorf("expected at least 3 probes before giving up, got %d", pings)
	}

	// A redundant close must not re-run teardown.
	s.Close()
	if got := handler.closeCount(); got != 1 {
		t.Errorf("handler notified %d times", got)
	}
	callbackMu.Lock()
	runs := callbackRuns
	callbackMu.Unlock()
	if runs != 1 {
		t.Errorf("close callback ran %d times", runs)
	}
}

// TestSession_HeartbeatAcknowledgedStaysOpen verifies a client that keeps
// acknowledging probes is never closed.
func TestSession_HeartbeatAcknowledgedStaysOpen(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{
		HeartbeatInterval:  20 * time.Millisecond,
		HeartbeatThreshold: 2,
		DispatchInterval:   time.Millisecond,
	})
	s.Start()
	defer s.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
				select {
				case conn.inbox <- mustEncode(&protocol.Message{Type: protocol.TypePong}):
				default:
				}
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	if handler.closeCount() != 0 {
		t.Error("acknowledging client was closed as unresponsive")
	}
}

func mustEncode(msg *protocol.Message) inboundFrame {
	data, binaryFrame, err := protocol.Encode(msg, protocol.FormatBinary)
	if err != nil {
		panic(err)
	}
	frameType := websocket.TextMessage
	if binaryFrame {
		frameType = websocket.BinaryMessage
	}
	return inboundFrame{frameType, data}
}

// TestSession_SendAfterCloseDropped verifies sends on a closed session are
// silent no-ops.
func TestSession_SendAfterCloseDropped(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{HeartbeatInterval: time.Minute})
	s.Start()
	s.Close()

	before := len(conn.written(t))
	s.Send(&protocol.Message{Type: protocol.TypeError})
	if got := len(conn.written(t)); got != before {
		t.Errorf("send after close wrote a frame: %d -> %d", before, got)
	}
}

// TestSession_CloseNotifiesHandlerWithChallengeBound verifies the handler
// still sees the active challenge binding when it is told about the close,
// so a disconnect can unbind the session from its challenge.
func TestSession_CloseNotifiesHandlerWithChallengeBound(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{HeartbeatInterval: time.Minute})
	s.Start()

	s.SetActiveChallenge("challenge-123")
	s.Close()

	handler.mu.Lock()
	got := handler.closeChallenge
	handler.mu.Unlock()
	if got != "challenge-123" {
		t.Errorf("close notification saw active challenge %q, want %q", got, "challenge-123")
	}
	if id := s.ActiveChallengeID(); id != "" {
		t.Errorf("binding not cleared after close: %q", id)
	}
}

// TestSession_ConnectionDropClosesSession verifies a transport error tears
// the session down.
func TestSession_ConnectionDropClosesSession(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{HeartbeatInterval: time.Minute})
	s.Start()

	conn.Close()
	awaitCondition(t, time.Second, func() bool { return handler.closeCount() == 1 })
}

// TestSession_CancelGameStateRequest verifies a cancelled cycle never sends
// a request.
func TestSession_CancelGameStateRequest(t *testing.T) {
	conn := newFakeConn()
	handler := &fakeHandler{}
	s := newTestSession(conn, handler, Options{HeartbeatInterval: time.Minute})
	s.Start()
	defer s.Close()

	s.StartGameStateRequestCycle()
	s.CancelGameStateRequest()

	time.Sleep(1200 * time.Millisecond)
	for _, msg := range conn.written(t) {
		if msg.Type == protocol.TypeGameStateRequest {
			t.Fatal("cancelled cycle still sent a game state request")
		}
	}
}

// TestSession_StageAttemptTracking verifies per-stage attempt bookkeeping
// follows the active challenge binding.
func TestSession_StageAttemptTracking(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(conn, &fakeHandler{}, Options{})

	if got := s.StageAttempt(3); got != 0 {
		t.Errorf("attempt without active challenge = %d", got)
	}

	s.SetActiveChallenge("abc-123")
	s.SetStageAttempt(3, 2)
	if got := s.StageAttempt(3); got != 2 {
		t.Errorf("attempt = %d, want 2", got)
	}
	if got := s.ActiveChallengeID(); got != "abc-123" {
		t.Errorf("active challenge = %q", got)
	}

	s.ClearActiveChallenge()
	if got := s.StageAttempt(3); got != 0 {
		t.Errorf("attempt after clear = %d", got)
	}
	if got := s.ActiveChallengeID(); got != "" {
		t.Errorf("active challenge after clear = %q", got)
	}
}
