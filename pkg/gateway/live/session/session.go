// Package session runs one live learner connection: reading frames and
// control messages, pushing them through the frame pipeline, and writing
// feedback back over the socket. The Run loop owns every piece of session
// state; goroutines only feed it through channels.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/live/engine"
	"github.com/signloop/signloop/pkg/gateway/live/protocol"
	"github.com/signloop/signloop/pkg/gateway/live/sessions"
	"github.com/signloop/signloop/pkg/gateway/live/workers"
)

const outboundPriorityQueueSize = 8

// Conn is the subset of *websocket.Conn the session needs. Tests swap in
// a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	MaxFrameBytes         int
	MaxJSONMessageBytes   int64
	MaxFrameFPS           int
	MaxFrameBPS           int64
	InboundBurstSeconds   int
	HeartbeatInterval     time.Duration
	HeartbeatMissedLimit  int
	WriteTimeout          time.Duration
	ReadTimeout           time.Duration
	MaxSessionDuration    time.Duration
	ContentTimeout        time.Duration
	ConsecutiveErrorLimit int
	OutboundQueueSize     int
}

type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Engine    engine.Provider
	Content   *content.Service
	Lane      *workers.Lane
	Hello     protocol.ClientHello
	SessionID string
	RequestID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

type Session struct {
	conn       Conn
	logger     *slog.Logger
	engines    engine.Provider
	contentSvc *content.Service
	lane       *workers.Lane
	hello      protocol.ClientHello
	sessionID  string
	requestID  string
	cfg        Config
	startTime  time.Time
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan []byte
	outboundNormal   chan []byte

	lastPongUnixNano atomic.Int64
	droppedFrames    atomic.Int64

	// decodeFailures counts consecutive undecodable frames. Owned by
	// the run loop.
	decodeFailures int
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type contentOutcome struct {
	gen    int
	result content.Result
	err    error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine provider is required")
	}
	if deps.Lane == nil {
		return nil, fmt.Errorf("worker lane is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.HeartbeatInterval <= 0 {
		deps.Config.HeartbeatInterval = 15 * time.Second
	}
	if deps.Config.HeartbeatMissedLimit <= 0 {
		deps.Config.HeartbeatMissedLimit = 3
	}
	if deps.Config.ContentTimeout <= 0 {
		deps.Config.ContentTimeout = 10 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger,
		engines:          deps.Engine,
		contentSvc:       deps.Content,
		lane:             deps.Lane,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan []byte, outboundPriorityQueueSize),
		outboundNormal:   make(chan []byte, deps.Config.OutboundQueueSize),
	}
	s.lastPongUnixNano.Store(deps.Now().UnixNano())
	return s, nil
}

// Handle exposes the session to the registry.
func (s *Session) Handle() sessions.Handle {
	return sessions.Handle{
		Cancel:  s.Cancel,
		Warn:    s.SendWarning,
		Deliver: s.Deliver,
	}
}

func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *Session) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

// Deliver queues an already-encoded envelope for the learner. Once the
// session is torn down every delivery fails with ErrConnectionLost.
func (s *Session) Deliver(payload []byte) error {
	if s == nil {
		return sessions.ErrConnectionLost
	}
	select {
	case <-s.ctx.Done():
		return sessions.ErrConnectionLost
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return s.enqueueNormal(buf)
}

func (s *Session) Run() error {
	defer s.cancel()
	defer s.lane.Close()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissedLimit+1)
	}
	_ = s.conn.SetReadDeadline(s.now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.lastPongUnixNano.Store(s.now().UnixNano())
		return s.conn.SetReadDeadline(s.now().Add(readTimeout))
	})

	pipeline := newFramePipeline(s.engines, s.logger.With("session_id", s.sessionID), s.cfg.ConsecutiveErrorLimit, s.now)
	defer pipeline.close()

	startTier, _ := TierFromString(s.hello.Quality)
	qc := newQualityController(startTier)
	limiter := newInboundFrameLimiter(s.now, s.cfg.MaxFrameFPS, s.cfg.MaxFrameBPS, s.cfg.InboundBurstSeconds)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	resultCh := make(chan frameResult, 16)
	contentCh := make(chan contentOutcome, 1)

	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	run := &practiceRun{}
	startGen := 0
	rateWarned := false

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	pongBudget := s.cfg.HeartbeatInterval * time.Duration(s.cfg.HeartbeatMissedLimit)

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	startContentFetch := func(req content.Request) {
		startGen++
		gen := startGen
		run.begin()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ContentTimeout)
			defer cancel()
			result, err := s.contentSvc.Stories(ctx, req)
			select {
			case contentCh <- contentOutcome{gen: gen, result: result, err: err}:
			case <-s.ctx.Done():
			}
		}()
	}

	sendPracticeResponse := func(degraded bool, reason string) error {
		sent := run.sentence()
		if sent == nil {
			return nil
		}
		return s.sendJSON(protocol.TypePracticeSessionResponse, protocol.ServerPracticeSessionResponse{
			Story:         run.story,
			SentenceIndex: run.cursor,
			SentenceText:  sent.Text,
			Degraded:      degraded,
			Reason:        reason,
		})
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case err := <-writerErrCh:
			return err

		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				s.logger.Info("client connection closed", "session_id", s.sessionID, "error", frame.err)
				return nil
			}
			if frame.messageType != websocket.TextMessage {
				if err := s.sendSessionError(protocol.ErrKindProtocol, "binary frames are not supported", true); err != nil {
					return err
				}
				return flushAndClose()
			}

			// A message the session cannot decode is answered and
			// otherwise ignored. Only the handshake tears down.
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				if err := s.sendSessionError(protocol.ErrKindProtocol, decErr.Error(), false); err != nil && !errors.Is(err, errBackpressure) {
					return err
				}
				continue
			}

			switch m := msg.(type) {
			case protocol.ClientHello:
				if err := s.sendSessionError(protocol.ErrKindProtocol, "hello is only valid once, at connection start", false); err != nil && !errors.Is(err, errBackpressure) {
					return err
				}
				continue

			case protocol.ClientFrame:
				data, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					if err := s.noteDecodeFailure("invalid frame.data_b64"); err != nil {
						return err
					}
					continue
				}
				if s.cfg.MaxFrameBytes > 0 && len(data) > s.cfg.MaxFrameBytes {
					if err := s.sendSessionError(protocol.ErrKindProtocol, "frame exceeds max size", true); err != nil {
						return err
					}
					return flushAndClose()
				}
				if !limiter.Allow(len(data)) {
					if !rateWarned {
						_ = s.sendWarning("rate_limited", "inbound frame rate limit exceeded, dropping frames")
						rateWarned = true
					}
					continue
				}
				rateWarned = false

				job := frameJob{
					seq:       m.Seq,
					data:      data,
					evaluate:  run.active(),
					reference: run.reference(),
					profile:   qc.Profile(),
				}
				if m.TimestampMS != nil {
					job.timestampMS = *m.TimestampMS
				}
				s.lane.Submit(func() {
					res := pipeline.Process(s.ctx, job)
					select {
					case resultCh <- res:
					case <-s.ctx.Done():
					}
				})

			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionStartSession:
					if m.Start.Story != nil {
						run.begin()
						if err := run.attach(m.Start.Story, s.now()); err != nil {
							run.reject()
							if err := s.sendControlResponse(m.Action, false, err.Error()); err != nil && !errors.Is(err, errBackpressure) {
								return err
							}
							continue
						}
						if err := s.sendControlResponse(m.Action, true, ""); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						if err := sendPracticeResponse(false, ""); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if s.contentSvc == nil {
						if err := s.sendSessionError(protocol.ErrKindUnavailable, "story content is not available", false); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					startContentFetch(content.Request{
						Topic: m.Start.Topic,
						Label: m.Start.Label,
						Level: m.Start.Level,
					})
					if err := s.sendControlResponse(m.Action, true, "fetching story"); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}

				case protocol.ActionNextSentence:
					done, err := run.advance()
					if err != nil {
						if err := s.sendControlResponse(m.Action, false, err.Error()); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if done {
						if err := s.sendSessionComplete(run); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if err := sendPracticeResponse(false, ""); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}

				case protocol.ActionTryAgain:
					if err := run.tryAgain(); err != nil {
						if err := s.sendControlResponse(m.Action, false, err.Error()); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if err := s.sendControlResponse(m.Action, true, ""); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}

				case protocol.ActionCompleteStory:
					if err := run.complete(); err != nil {
						if err := s.sendControlResponse(m.Action, false, err.Error()); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if err := s.sendControlResponse(m.Action, true, ""); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}
					if err := s.sendSessionComplete(run); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}

				case protocol.ActionRestartStory:
					if err := run.restart(s.now()); err != nil {
						if err := s.sendControlResponse(m.Action, false, err.Error()); err != nil && !errors.Is(err, errBackpressure) {
							return err
						}
						continue
					}
					if err := s.sendControlResponse(m.Action, true, ""); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}
					if err := sendPracticeResponse(false, ""); err != nil && !errors.Is(err, errBackpressure) {
						return err
					}

				case protocol.ActionEndSession:
					_ = s.sendWarning("session_end", "session ending by client request")
					return flushAndClose()
				}

			case protocol.ClientPing:
				if err := s.sendJSON(protocol.TypePong, protocol.ServerPong{TimestampMS: m.TimestampMS}); err != nil && !errors.Is(err, errBackpressure) {
					return err
				}
			}

		case outcome := <-contentCh:
			if outcome.gen != startGen || run.state != stateAwaitingStory {
				continue
			}
			if outcome.err != nil {
				run.reject()
				s.logger.Warn("story fetch failed", "session_id", s.sessionID, "error", outcome.err)
				if err := s.sendSessionError(protocol.ErrKindUnavailable, "could not fetch a practice story", false); err != nil && !errors.Is(err, errBackpressure) {
					return err
				}
				continue
			}
			if err := run.attach(outcome.result.Story, s.now()); err != nil {
				run.reject()
				if err := s.sendSessionError(protocol.ErrKindUnavailable, err.Error(), false); err != nil && !errors.Is(err, errBackpressure) {
					return err
				}
				continue
			}
			if err := sendPracticeResponse(outcome.result.Degraded, outcome.result.Reason); err != nil && !errors.Is(err, errBackpressure) {
				return err
			}

		case res := <-resultCh:
			if err := s.dispatchResult(res, qc, run); err != nil {
				return err
			}

		case <-heartbeat.C:
			sincePong := s.now().UnixNano() - s.lastPongUnixNano.Load()
			if pongBudget > 0 && time.Duration(sincePong) > pongBudget {
				s.logger.Info("connection lost, missed heartbeats",
					"session_id", s.sessionID,
					"since_pong_ms", time.Duration(sincePong).Milliseconds())
				return nil
			}

		case <-sessionTimerCh():
			_ = s.sendWarning("session_timeout", "maximum session duration reached")
			return flushAndClose()
		}
	}
}

// sendSessionComplete emits the aggregate summary for a run that just
// reached Completed.
func (s *Session) sendSessionComplete(run *practiceRun) error {
	st := run.stats(s.now())
	s.logger.Info("practice complete",
		"session_id", s.sessionID,
		"story_id", st.storyID,
		"sentences_attempted", st.attempted,
		"duration_ms", st.duration.Milliseconds())
	return s.sendJSON(protocol.TypeSessionComplete, protocol.ServerSessionComplete{
		StoryID:            st.storyID,
		Sentences:          st.sentences,
		SentencesAttempted: st.attempted,
		DurationMS:         st.duration.Milliseconds(),
		MeanConfidence:     st.meanConfidence,
	})
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// DroppedFrames reports how many processed frames were discarded because
// the client could not keep up.
func (s *Session) DroppedFrames() int64 {
	if s == nil {
		return 0
	}
	return s.droppedFrames.Load() + int64(s.lane.Dropped())
}
