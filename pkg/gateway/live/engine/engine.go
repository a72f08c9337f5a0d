// Package engine defines the landmark engine boundary: an external service
// that extracts hand landmarks from a video frame and scores the signing
// against a reference key.
package engine

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on an engine that has already been
// closed. Closing twice is an error from the engine's point of view;
// callers that tear down defensively should treat it as success.
var ErrClosed = errors.New("engine: closed")

// Landmark is one detected keypoint, normalized to [0,1] frame coordinates.
type Landmark struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Part string  `json:"part,omitempty"`
}

// Request carries one frame to evaluate. Frame is the encoded image as
// received from the client; Reference is the opaque key for the sentence
// currently being practiced, empty outside an active practice run.
type Request struct {
	Frame     []byte
	Reference string
}

// Evaluation is the engine's verdict for one frame.
type Evaluation struct {
	Landmarks  []Landmark `json:"landmarks"`
	Confidence float64    `json:"confidence"`
	Suggestion string     `json:"suggestion,omitempty"`
	Matched    bool       `json:"matched,omitempty"`
}

// Engine is one live evaluation instance. Engines are not safe for
// concurrent use; each session serializes its own calls.
type Engine interface {
	Evaluate(ctx context.Context, req Request) (*Evaluation, error)
	Close() error
}

// Provider creates engines on demand. Sessions open an engine lazily on
// the first frame and open a fresh one when recovering from a failure.
type Provider interface {
	Open(ctx context.Context) (Engine, error)
}
