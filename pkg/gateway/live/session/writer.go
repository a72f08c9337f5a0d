package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the single goroutine allowed to write to the socket.
// Priority frames (errors, teardown notices) preempt normal frames, and a
// ticker keeps websocket pings flowing for liveness detection.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan []byte
	normal   <-chan []byte
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.HeartbeatInterval
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	var pendingNormal []byte

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Hard priority: anything queued goes out before normal frames.
		select {
		case payload, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(payload, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// A normal frame already pulled off the queue still yields to a
		// priority frame that arrived in the meantime.
		if pendingNormal != nil {
			select {
			case payload, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.write(payload, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.write(pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("hb"), deadline); err != nil {
				return err
			}
		case payload, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.write(payload, writeTimeout); err != nil {
				return err
			}
		case payload, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = payload
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case payload, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.write(payload, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) write(payload []byte, writeTimeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
