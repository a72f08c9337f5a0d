// Package content supplies leveled practice stories for live sessions.
//
// A Service turns a topic or a recognized object label into a story whose
// sentences the learner signs one by one. Generation is backed by Gemini;
// when the upstream call fails or times out the caller still gets a usable
// story from the local library, flagged as degraded.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is a difficulty tier for generated stories.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Sentence is one unit of practice. Reference carries the opaque key the
// landmark engine's evaluator uses to score the learner's signing against
// this sentence.
type Sentence struct {
	Text      string `json:"text" yaml:"text"`
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// Story is an ordered practice script. Sentence order defines practice
// order; a Story is immutable once attached to a session.
type Story struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Level     Level      `json:"level,omitempty" yaml:"level,omitempty"`
	Topic     string     `json:"topic,omitempty" yaml:"topic,omitempty"`
	Sentences []Sentence `json:"sentences" yaml:"sentences"`
}

// Validate reports whether the story can back a practice session.
func (s *Story) Validate() error {
	if s == nil {
		return fmt.Errorf("story is required")
	}
	if len(s.Sentences) == 0 {
		return fmt.Errorf("story has no sentences")
	}
	for i, sent := range s.Sentences {
		if strings.TrimSpace(sent.Text) == "" {
			return fmt.Errorf("story sentence %d has no text", i)
		}
	}
	return nil
}

// Request asks for a story about a topic or a recognized object label.
// Exactly one of Topic or Label is expected; Level defaults to beginner.
type Request struct {
	Topic string
	Label string
	Level Level
}

func (r Request) subject() string {
	if s := strings.TrimSpace(r.Topic); s != "" {
		return s
	}
	return strings.TrimSpace(r.Label)
}

// Result carries the story plus an explicit degraded branch: when Degraded
// is true the story came from the local library because the generator was
// unavailable, and Reason says why.
type Result struct {
	Story    *Story
	Degraded bool
	Reason   string
}

// Generator produces fresh story content. Implementations may be slow or
// unavailable; the Service absorbs that.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Story, error)
}

// Service resolves start_session content requests. A nil Generator means
// library-only operation.
type Service struct {
	Generator Generator
	Library   *Library
	Timeout   time.Duration
}

// Stories returns a story for the request. Generator failures never fail
// the request: the deterministic library story is returned with the
// Degraded flag set.
func (s *Service) Stories(ctx context.Context, req Request) (Result, error) {
	if req.subject() == "" {
		return Result{}, fmt.Errorf("topic or label is required")
	}
	if req.Level == "" {
		req.Level = LevelBeginner
	}

	if s.Generator != nil {
		genCtx := ctx
		if s.Timeout > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		story, err := s.Generator.Generate(genCtx, req)
		if err == nil {
			if vErr := story.Validate(); vErr == nil {
				return Result{Story: story}, nil
			}
			err = fmt.Errorf("generated story is unusable: %w", story.Validate())
		}
		return s.fallback(req, err.Error())
	}
	return s.fallback(req, "no generator configured")
}

func (s *Service) fallback(req Request, reason string) (Result, error) {
	lib := s.Library
	if lib == nil {
		lib = DefaultLibrary()
	}
	story := lib.Pick(req.subject(), req.Level)
	if story == nil {
		return Result{}, fmt.Errorf("no fallback story available for level %q", req.Level)
	}
	return Result{Story: story, Degraded: true, Reason: reason}, nil
}
