package session

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
	"github.com/signloop/signloop/pkg/gateway/live/sessions"
	"github.com/signloop/signloop/pkg/gateway/live/workers"
)

type fakeConn struct {
	inbound chan []byte

	mu          sync.Mutex
	written     [][]byte
	consumed    int
	pings       int
	closed      bool
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) SetReadLimit(int64)               {}
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) pong() {
	c.mu.Lock()
	h := c.pongHandler
	c.mu.Unlock()
	if h != nil {
		_ = h("")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.mu.Lock()
	c.written = append(c.written, buf)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType == websocket.PingMessage {
		c.mu.Lock()
		c.pings++
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// waitForMessage polls until an envelope of the given type appears. Each
// call resumes after the last message any call returned, so repeated waits
// see messages in write order.
func (c *fakeConn) waitForMessage(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for c.consumed < len(c.written) {
			raw := c.written[c.consumed]
			c.consumed++
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				c.mu.Unlock()
				t.Fatalf("written message is not an envelope: %v", err)
			}
			if env.Type == typ {
				c.mu.Unlock()
				return env.Data
			}
		}
		c.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %q message written within deadline", typ)
	return nil
}

func (c *fakeConn) sendRaw(data []byte) {
	c.inbound <- data
}

// writtenCount reports how many envelopes of the given type have been
// written so far, including ones waitForMessage already consumed.
func (c *fakeConn) writtenCount(t *testing.T, typ string) int {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range c.written {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("written message is not an envelope: %v", err)
		}
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) send(t *testing.T, typ string, data any) {
	t.Helper()
	raw, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	c.inbound <- raw
}

func frameB64(t *testing.T) string {
	return base64.StdEncoding.EncodeToString(testFrameJPEG(t, 32, 24))
}

func newTestSession(t *testing.T, conn *fakeConn, mutate func(*Dependencies)) (*Session, chan error) {
	t.Helper()
	pool := workers.NewPool(2)
	deps := Dependencies{
		Conn:      conn,
		Engine:    &scriptedProvider{},
		Lane:      pool.Lane(),
		Hello:     protocol.ClientHello{ProtocolVersion: protocol.ProtocolVersion1},
		SessionID: "s_test",
		Config: Config{
			MaxFrameBytes:         1 << 20,
			MaxJSONMessageBytes:   4 << 20,
			HeartbeatInterval:     time.Second,
			HeartbeatMissedLimit:  3,
			ContentTimeout:        time.Second,
			ConsecutiveErrorLimit: 2,
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- s.Run()
		close(done)
	}()
	t.Cleanup(func() {
		s.Cancel()
		close(conn.inbound)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, done
}

// startInlineStory begins a practice session with an inline story and waits
// for the first practice_session_response so frames sent afterwards are
// evaluated against an active sentence.
func startInlineStory(t *testing.T, conn *fakeConn, sentences int) {
	t.Helper()
	conn.send(t, protocol.TypeControl, protocol.ClientControl{
		Action: protocol.ActionStartSession,
		Start:  &protocol.StartSession{Story: testStory(sentences)},
	})
	conn.waitForMessage(t, protocol.TypePracticeSessionResponse)
}

func TestSessionProcessesFrame(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)
	startInlineStory(t, conn, 2)

	ts := int64(1234)
	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 2, TimestampMS: &ts, DataB64: frameB64(t)})
	time.Sleep(5 * time.Millisecond)
	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 3, DataB64: frameB64(t)})

	data := conn.waitForMessage(t, protocol.TypeProcessedFrame)
	var frame protocol.ServerProcessedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal processed_frame: %v", err)
	}
	if frame.ImageB64 == "" {
		t.Fatal("processed frame has no image")
	}
	if frame.Quality != "balanced" {
		t.Fatalf("quality = %q, want balanced", frame.Quality)
	}
	if frame.Confidence != 0.9 || len(frame.Landmarks) != 1 {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestSessionIdleFrameNotEvaluated(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, func(d *Dependencies) {
		d.Engine = &scriptedProvider{openErr: errors.New("must not be opened")}
		d.Hello.Quality = "high" // process every frame
	})

	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 1, DataB64: frameB64(t)})

	data := conn.waitForMessage(t, protocol.TypeProcessedFrame)
	var frame protocol.ServerProcessedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal processed_frame: %v", err)
	}
	if frame.ImageB64 == "" {
		t.Fatal("idle frame should still be echoed back")
	}
	if frame.Confidence != 0 || len(frame.Landmarks) != 0 {
		t.Fatalf("idle frame was evaluated: %+v", frame)
	}
}

func TestSessionPracticeFlow(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)

	story := testStory(2)
	conn.send(t, protocol.TypeControl, protocol.ClientControl{
		Action: protocol.ActionStartSession,
		Start:  &protocol.StartSession{Story: story},
	})

	data := conn.waitForMessage(t, protocol.TypePracticeSessionResponse)
	var resp protocol.ServerPracticeSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SentenceIndex != 0 || resp.Story.ID != story.ID {
		t.Fatalf("practice response = %+v", resp)
	}

	conn.send(t, protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionNextSentence})
	deadline := time.Now().Add(2 * time.Second)
	for {
		data = conn.waitForMessage(t, protocol.TypePracticeSessionResponse)
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.SentenceIndex == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never advanced, last index %d", resp.SentenceIndex)
		}
		time.Sleep(2 * time.Millisecond)
	}

	conn.send(t, protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionNextSentence})
	data = conn.waitForMessage(t, protocol.TypeSessionComplete)
	var complete protocol.ServerSessionComplete
	if err := json.Unmarshal(data, &complete); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if complete.StoryID != story.ID || complete.Sentences != 2 {
		t.Fatalf("session_complete = %+v", complete)
	}
	if complete.SentencesAttempted != 2 || complete.MeanConfidence != 0 {
		t.Fatalf("completion stats = %+v", complete)
	}
}

func TestSessionStartSessionFetchesStory(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, func(d *Dependencies) {
		d.Content = &content.Service{} // library-only, always degraded
	})

	conn.send(t, protocol.TypeControl, protocol.ClientControl{
		Action: protocol.ActionStartSession,
		Start:  &protocol.StartSession{Topic: "morning", Level: content.LevelBeginner},
	})

	data := conn.waitForMessage(t, protocol.TypePracticeSessionResponse)
	var resp protocol.ServerPracticeSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Degraded {
		t.Fatal("library fallback should be flagged degraded")
	}
	if resp.Story == nil || len(resp.Story.Sentences) == 0 {
		t.Fatalf("practice response without story: %+v", resp)
	}
}

func TestSessionStartSessionWithoutContentService(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)

	conn.send(t, protocol.TypeControl, protocol.ClientControl{
		Action: protocol.ActionStartSession,
		Start:  &protocol.StartSession{Topic: "anything"},
	})

	data := conn.waitForMessage(t, protocol.TypeError)
	var serr protocol.ServerError
	if err := json.Unmarshal(data, &serr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if serr.Kind != protocol.ErrKindUnavailable || serr.Close {
		t.Fatalf("error = %+v", serr)
	}
}

func TestSessionFrameDecodeErrorsDroppedUntilSustained(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)

	// Invalid base64 fails in the run loop itself, so the counter is
	// exact by the time the pong comes back.
	for i := 0; i < decodeFailureThreshold-1; i++ {
		conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: int64(i), DataB64: "%%not-base64%%"})
	}
	conn.send(t, protocol.TypePing, protocol.ClientPing{TimestampMS: 5})
	conn.waitForMessage(t, protocol.TypePong)
	if n := conn.writtenCount(t, protocol.TypeError); n != 0 {
		t.Fatalf("%d errors surfaced below the failure threshold", n)
	}

	// One more consecutive failure crosses the threshold.
	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 9, DataB64: "%%not-base64%%"})
	data := conn.waitForMessage(t, protocol.TypeError)
	var serr protocol.ServerError
	if err := json.Unmarshal(data, &serr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if serr.Kind != protocol.ErrKindDecode || serr.Close {
		t.Fatalf("error = %+v", serr)
	}

	// Still responsive.
	conn.send(t, protocol.TypePing, protocol.ClientPing{TimestampMS: 9})
	pong := conn.waitForMessage(t, protocol.TypePong)
	var p protocol.ServerPong
	if err := json.Unmarshal(pong, &p); err != nil || p.TimestampMS != 9 {
		t.Fatalf("pong = %+v err=%v", p, err)
	}
}

func TestSessionDecodeCounterResetsOnGoodFrame(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, func(d *Dependencies) {
		d.Hello.Quality = "high" // process every frame
	})

	for i := 0; i < decodeFailureThreshold-1; i++ {
		conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: int64(i), DataB64: "%%not-base64%%"})
	}

	// A frame that decodes clears the streak.
	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 50, DataB64: frameB64(t)})
	conn.waitForMessage(t, protocol.TypeProcessedFrame)

	conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: 51, DataB64: "%%not-base64%%"})
	conn.send(t, protocol.TypePing, protocol.ClientPing{TimestampMS: 5})
	conn.waitForMessage(t, protocol.TypePong)
	if n := conn.writtenCount(t, protocol.TypeError); n != 0 {
		t.Fatalf("%d errors surfaced after the streak was broken", n)
	}
}

func TestSessionProtocolErrorKeepsSessionAlive(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)
	startInlineStory(t, conn, 2)

	conn.sendRaw([]byte(`{"type":"control","data":{"action":"pause"}}`))
	data := conn.waitForMessage(t, protocol.TypeError)
	var serr protocol.ServerError
	if err := json.Unmarshal(data, &serr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if serr.Kind != protocol.ErrKindProtocol || serr.Close {
		t.Fatalf("error = %+v", serr)
	}

	conn.sendRaw([]byte(`{"type":"resume"}`))
	data = conn.waitForMessage(t, protocol.TypeError)
	if err := json.Unmarshal(data, &serr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if serr.Kind != protocol.ErrKindProtocol || serr.Close {
		t.Fatalf("error = %+v", serr)
	}

	// The session and its run survive both.
	conn.send(t, protocol.TypePing, protocol.ClientPing{TimestampMS: 3})
	conn.waitForMessage(t, protocol.TypePong)

	conn.send(t, protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionNextSentence})
	resp := conn.waitForMessage(t, protocol.TypePracticeSessionResponse)
	var pr protocol.ServerPracticeSessionResponse
	if err := json.Unmarshal(resp, &pr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pr.SentenceIndex != 1 {
		t.Fatalf("sentence index = %d after protocol errors", pr.SentenceIndex)
	}
}

func TestSessionEngineFailureDegradedWarning(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, func(d *Dependencies) {
		d.Engine = &scriptedProvider{openErr: errors.New("service down")}
		d.Hello.Quality = "high" // process every frame
	})
	startInlineStory(t, conn, 3)

	for i := 0; i < 3; i++ {
		conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: int64(i), DataB64: frameB64(t)})
		time.Sleep(5 * time.Millisecond)
	}

	data := conn.waitForMessage(t, protocol.TypeWarning)
	var warn protocol.ServerWarning
	if err := json.Unmarshal(data, &warn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if warn.Code != "degraded" {
		t.Fatalf("warning code = %q", warn.Code)
	}
	conn.waitForMessage(t, protocol.TypeError)
}

func TestSessionRejectsSecondHello(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, nil)

	conn.send(t, protocol.TypeHello, protocol.ClientHello{ProtocolVersion: "1"})

	data := conn.waitForMessage(t, protocol.TypeError)
	var serr protocol.ServerError
	if err := json.Unmarshal(data, &serr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if serr.Kind != protocol.ErrKindProtocol || serr.Close {
		t.Fatalf("error = %+v", serr)
	}

	// Still responsive.
	conn.send(t, protocol.TypePing, protocol.ClientPing{TimestampMS: 4})
	conn.waitForMessage(t, protocol.TypePong)
}

func TestSessionEndSession(t *testing.T) {
	conn := newFakeConn()
	_, done := newTestSession(t, conn, nil)

	conn.send(t, protocol.TypeControl, protocol.ClientControl{Action: protocol.ActionEndSession})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on end_session")
	}
}

func TestSessionHeartbeatTimeout(t *testing.T) {
	conn := newFakeConn()
	_, done := newTestSession(t, conn, func(d *Dependencies) {
		d.Config.HeartbeatInterval = 10 * time.Millisecond
		d.Config.HeartbeatMissedLimit = 2
	})

	// Never answer pings.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session survived missed heartbeats")
	}
}

func TestSessionHeartbeatPongKeepsAlive(t *testing.T) {
	conn := newFakeConn()
	_, done := newTestSession(t, conn, func(d *Dependencies) {
		d.Config.HeartbeatInterval = 10 * time.Millisecond
		d.Config.HeartbeatMissedLimit = 3
	})

	stop := time.After(200 * time.Millisecond)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			conn.pong()
		case <-stop:
			select {
			case <-done:
				t.Fatal("session died despite pongs")
			default:
			}
			return
		case <-done:
			t.Fatal("session died despite pongs")
		}
	}
}

func TestDeliverAfterTeardown(t *testing.T) {
	conn := newFakeConn()
	s, done := newTestSession(t, conn, nil)

	payload, _ := protocol.Encode(protocol.TypeWarning, protocol.ServerWarning{Code: "c", Message: "m"})
	if err := s.Deliver(payload); err != nil {
		t.Fatalf("Deliver while live: %v", err)
	}

	s.Cancel()
	<-done
	if err := s.Deliver(payload); !errors.Is(err, sessions.ErrConnectionLost) {
		t.Fatalf("Deliver after teardown = %v, want ErrConnectionLost", err)
	}
}

func TestSessionRegistryHandle(t *testing.T) {
	conn := newFakeConn()
	s, _ := newTestSession(t, conn, nil)

	reg := sessions.NewRegistry()
	unregister := reg.Register("s_test", s.Handle())
	defer unregister()

	payload, _ := protocol.Encode(protocol.TypeWarning, protocol.ServerWarning{Code: "note", Message: "hi"})
	if err := reg.Deliver("s_test", payload); err != nil {
		t.Fatalf("Deliver via registry: %v", err)
	}
	data := conn.waitForMessage(t, protocol.TypeWarning)
	var warn protocol.ServerWarning
	if err := json.Unmarshal(data, &warn); err != nil || warn.Code != "note" {
		t.Fatalf("warning = %+v err=%v", warn, err)
	}
}

func TestSessionRateLimitDropsFrames(t *testing.T) {
	conn := newFakeConn()
	newTestSession(t, conn, func(d *Dependencies) {
		d.Config.MaxFrameFPS = 1
		d.Config.InboundBurstSeconds = 1
	})

	for i := 0; i < 5; i++ {
		conn.send(t, protocol.TypeFrame, protocol.ClientFrame{Seq: int64(i), DataB64: frameB64(t)})
	}

	data := conn.waitForMessage(t, protocol.TypeWarning)
	var warn protocol.ServerWarning
	if err := json.Unmarshal(data, &warn); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if warn.Code != "rate_limited" {
		t.Fatalf("warning code = %q", warn.Code)
	}
}
