package session

import (
	"encoding/base64"
	"errors"

	"github.com/signloop/signloop/pkg/gateway/live/protocol"
)

var errBackpressure = errors.New("live outbound backpressure")

// decodeFailureThreshold is how many undecodable frames in a row the
// session tolerates silently. Frames below it are dropped and counted.
const decodeFailureThreshold = 5

func (s *Session) sendJSON(typ string, data any) error {
	payload, err := protocol.Encode(typ, data)
	if err != nil {
		return err
	}
	return s.enqueueNormal(payload)
}

func (s *Session) sendJSONPriority(typ string, data any) error {
	payload, err := protocol.Encode(typ, data)
	if err != nil {
		return err
	}
	return s.enqueuePriority(payload)
}

func (s *Session) sendWarning(code, message string) error {
	return s.sendJSON(protocol.TypeWarning, protocol.ServerWarning{Code: code, Message: message})
}

func (s *Session) sendSessionError(kind, message string, close bool) error {
	msg := protocol.ServerError{Kind: kind, Message: message, Close: close}
	if close {
		return s.sendJSONPriority(protocol.TypeError, msg)
	}
	return s.sendJSON(protocol.TypeError, msg)
}

// noteDecodeFailure drops one undecodable frame. The learner only hears
// about it once the failures look sustained; any frame that decodes
// again resets the count.
func (s *Session) noteDecodeFailure(message string) error {
	s.decodeFailures++
	if s.decodeFailures < decodeFailureThreshold {
		return nil
	}
	s.decodeFailures = 0
	if err := s.sendSessionError(protocol.ErrKindDecode, message, false); err != nil && !errors.Is(err, errBackpressure) {
		return err
	}
	return nil
}

func (s *Session) sendControlResponse(action string, ok bool, message string) error {
	return s.sendJSON(protocol.TypeControlResponse, protocol.ServerControlResponse{
		Action:  action,
		OK:      ok,
		Message: message,
	})
}

func (s *Session) enqueueNormal(payload []byte) error {
	select {
	case s.outboundNormal <- payload:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) enqueuePriority(payload []byte) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- payload:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- payload:
		return nil
	default:
		return errBackpressure
	}
}

// dispatchResult turns one pipeline result into outbound feedback, feeds
// the quality controller, and folds confidence into the practice run's
// aggregates. Returns a non-nil error only for faults that should end
// the session.
func (s *Session) dispatchResult(res frameResult, qc *qualityController, run *practiceRun) error {
	if res.skipped {
		return nil
	}

	if res.err != nil {
		s.logger.Warn("frame processing failed", "seq", res.seq, "error", res.err)
		if errors.Is(res.err, errFrameDecode) {
			return s.noteDecodeFailure(res.err.Error())
		}
		if res.warnOnce {
			_ = s.sendWarning("degraded", "landmark engine keeps failing, feedback quality is degraded")
		}
		if err := s.sendSessionError(protocol.ErrKindEngine, res.err.Error(), false); err != nil && !errors.Is(err, errBackpressure) {
			return err
		}
		return nil
	}
	s.decodeFailures = 0

	if res.evaluated {
		run.recordEvaluation(res.confidence)
		profile, changed := qc.Observe(res.latency)
		if changed {
			s.logger.Info("quality tier changed",
				"tier", profile.Tier.String(),
				"avg_target_ms", profile.TargetLatency.Milliseconds())
			_ = s.sendWarning("quality_change", "processing quality adjusted to "+profile.Tier.String())
		}
	}

	frame := protocol.ServerProcessedFrame{
		Seq:         res.seq,
		TimestampMS: res.timestampMS,
		ImageB64:    base64.StdEncoding.EncodeToString(res.image),
		Landmarks:   res.landmarks,
		Confidence:  res.confidence,
		Suggestion:  res.suggestion,
		Matched:     res.matched,
		Quality:     res.profile.Tier.String(),
		LatencyMS:   res.latency.Milliseconds(),
		Degraded:    res.degraded,
	}
	if err := s.sendJSON(protocol.TypeProcessedFrame, frame); err != nil {
		if errors.Is(err, errBackpressure) {
			// A slow reader loses frames, never the session.
			s.droppedFrames.Add(1)
			return nil
		}
		return err
	}
	return nil
}
