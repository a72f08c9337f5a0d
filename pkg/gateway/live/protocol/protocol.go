// Package protocol defines the live session wire format. Every message is
// a JSON envelope {"type": ..., "data": {...}} in both directions.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signloop/signloop/pkg/gateway/content"
	"github.com/signloop/signloop/pkg/gateway/live/engine"
)

const ProtocolVersion1 = "1"

// Inbound message types.
const (
	TypeHello   = "hello"
	TypeFrame   = "frame"
	TypeControl = "control"
	TypePing    = "ping"
)

// Outbound message types.
const (
	TypeHelloAck                = "hello_ack"
	TypeProcessedFrame          = "processed_frame"
	TypeControlResponse         = "control_response"
	TypePracticeSessionResponse = "practice_session_response"
	TypeSessionComplete         = "session_complete"
	TypePong                    = "pong"
	TypeWarning                 = "warning"
	TypeError                   = "error"
)

// Control actions.
const (
	ActionStartSession  = "start_session"
	ActionNextSentence  = "next_sentence"
	ActionTryAgain      = "try_again"
	ActionCompleteStory = "complete_story"
	ActionRestartStory  = "restart_story"
	ActionEndSession    = "end_session"
)

// Error kinds carried by ServerError.
const (
	ErrKindDecode      = "decode_error"
	ErrKindEngine      = "engine_failure"
	ErrKindProtocol    = "protocol_error"
	ErrKindConnection  = "connection_lost"
	ErrKindUnavailable = "upstream_unavailable"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type ClientHello struct {
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	Quality         string      `json:"quality,omitempty"`
}

type ClientFrame struct {
	Seq         int64  `json:"seq"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	DataB64     string `json:"data_b64"`
}

// StartSession carries the content request for a new practice run. Either
// a subject (topic or recognized object label) or a full prebuilt story.
type StartSession struct {
	Topic string         `json:"topic,omitempty"`
	Label string         `json:"label,omitempty"`
	Level content.Level  `json:"level,omitempty"`
	Story *content.Story `json:"story,omitempty"`
}

type ClientControl struct {
	Action string        `json:"action"`
	Start  *StartSession `json:"start,omitempty"`
}

type ClientPing struct {
	TimestampMS int64 `json:"timestamp_ms,omitempty"`
}

// DecodeClientMessage parses one inbound envelope into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json envelope", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch typ {
	case TypeHello:
		var msg ClientHello
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid hello", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeFrame:
		var msg ClientFrame
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("frame.data_b64 is required", "data_b64")
		}
		if msg.Seq < 0 {
			return nil, badRequest("frame.seq must be >= 0", "seq")
		}
		return msg, nil
	case TypeControl:
		var msg ClientControl
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		action := strings.TrimSpace(msg.Action)
		if action == "" {
			return nil, badRequest("control.action is required", "action")
		}
		switch action {
		case ActionStartSession:
			if err := validateStartSession(msg.Start); err != nil {
				return nil, err
			}
		case ActionNextSentence, ActionTryAgain, ActionCompleteStory, ActionRestartStory, ActionEndSession:
		default:
			return nil, unsupported("unsupported control action", "action")
		}
		msg.Action = action
		return msg, nil
	case TypePing:
		var msg ClientPing
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, badRequest("invalid ping", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	switch strings.TrimSpace(msg.Quality) {
	case "", "minimal", "low", "balanced", "high":
		return nil
	default:
		return unsupported("unsupported quality tier", "quality")
	}
}

func validateStartSession(start *StartSession) error {
	if start == nil {
		return badRequest("control.start is required for start_session", "start")
	}
	if start.Story != nil {
		if err := start.Story.Validate(); err != nil {
			return badRequest("control.start.story is invalid: "+err.Error(), "start.story")
		}
		return nil
	}
	if strings.TrimSpace(start.Topic) == "" && strings.TrimSpace(start.Label) == "" {
		return badRequest("control.start needs a topic, a label, or a story", "start")
	}
	switch start.Level {
	case "", content.LevelBeginner, content.LevelIntermediate, content.LevelAdvanced:
		return nil
	default:
		return unsupported("unsupported difficulty level", "start.level")
	}
}

type HelloAckLimits struct {
	MaxFrameBytes       int   `json:"max_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	MaxFrameFPS         int   `json:"max_frame_fps,omitempty"`
	MaxFrameBPS         int64 `json:"max_frame_bps,omitempty"`
	HeartbeatMS         int   `json:"heartbeat_ms,omitempty"`
}

type ServerHelloAck struct {
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Quality         string          `json:"quality"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerProcessedFrame struct {
	Seq         int64             `json:"seq"`
	TimestampMS int64             `json:"timestamp_ms,omitempty"`
	ImageB64    string            `json:"image_b64"`
	Landmarks   []engine.Landmark `json:"landmarks,omitempty"`
	Confidence  float64           `json:"confidence"`
	Suggestion  string            `json:"suggestion,omitempty"`
	Matched     bool              `json:"matched,omitempty"`
	Quality     string            `json:"quality"`
	LatencyMS   int64             `json:"latency_ms"`
	Degraded    bool              `json:"degraded,omitempty"`
}

type ServerControlResponse struct {
	Action  string `json:"action"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type ServerPracticeSessionResponse struct {
	Story         *content.Story `json:"story"`
	SentenceIndex int            `json:"sentence_index"`
	SentenceText  string         `json:"sentence_text"`
	Degraded      bool           `json:"degraded,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

type ServerSessionComplete struct {
	StoryID            string  `json:"story_id"`
	Sentences          int     `json:"sentences"`
	SentencesAttempted int     `json:"sentences_attempted"`
	DurationMS         int64   `json:"duration_ms"`
	MeanConfidence     float64 `json:"mean_confidence"`
}

type ServerPong struct {
	TimestampMS int64 `json:"timestamp_ms,omitempty"`
}

type ServerWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

// Encode wraps a typed payload in the outbound envelope.
func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: typ, Data: data})
}
