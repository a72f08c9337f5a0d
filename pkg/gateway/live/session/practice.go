package session

import (
	"fmt"
	"time"

	"github.com/signloop/signloop/pkg/gateway/content"
)

type practiceState int

const (
	stateIdle practiceState = iota
	stateAwaitingStory
	statePracticing
	stateCompleted
)

func (s practiceState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingStory:
		return "awaiting_story"
	case statePracticing:
		return "practicing"
	case stateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// practiceStats summarizes a finished (or abandoned) run.
type practiceStats struct {
	storyID        string
	sentences      int
	attempted      int
	duration       time.Duration
	meanConfidence float64
}

// practiceRun is the per-session practice state machine. Sentences advance
// only on an explicit client request; a new start replaces whatever run
// was in progress. Loop-confined.
type practiceRun struct {
	state     practiceState
	story     *content.Story
	cursor    int
	startedAt time.Time

	// highestReached is the largest sentence index the cursor has
	// visited this run; attempted sentences = highestReached+1.
	highestReached int
	sentenceFrames int
	framesScored   int
	confidenceSum  float64

	// prior snapshots the run as it was before begin(), so a rejected
	// start leaves the learner exactly where they were.
	prior *practiceRun
}

// begin moves to awaiting_story while content is being fetched.
func (r *practiceRun) begin() {
	saved := *r
	saved.prior = nil
	r.prior = &saved
	r.state = stateAwaitingStory
	r.story = nil
	r.resetCounters()
}

// attach installs the fetched story and starts practicing at the first
// sentence. Only valid while awaiting a story.
func (r *practiceRun) attach(story *content.Story, now time.Time) error {
	if r.state != stateAwaitingStory {
		return fmt.Errorf("cannot attach story in state %s", r.state)
	}
	if err := story.Validate(); err != nil {
		return err
	}
	r.state = statePracticing
	r.story = story
	r.resetCounters()
	r.startedAt = now
	r.prior = nil
	return nil
}

// reject abandons a pending start, restoring whatever run was in
// progress before it. With nothing to restore it returns to idle.
func (r *practiceRun) reject() {
	if r.state != stateAwaitingStory {
		return
	}
	if r.prior != nil {
		*r = *r.prior
		return
	}
	r.state = stateIdle
	r.story = nil
	r.resetCounters()
}

// advance moves to the next sentence. Reports done when the last sentence
// was just finished, which completes the run.
func (r *practiceRun) advance() (done bool, err error) {
	if r.state != statePracticing {
		return false, fmt.Errorf("no active practice in state %s", r.state)
	}
	if r.cursor+1 >= len(r.story.Sentences) {
		r.state = stateCompleted
		return true, nil
	}
	r.cursor++
	if r.cursor > r.highestReached {
		r.highestReached = r.cursor
	}
	r.sentenceFrames = 0
	return false, nil
}

// tryAgain restarts the current sentence, clearing only its attempt
// counter.
func (r *practiceRun) tryAgain() error {
	if r.state != statePracticing {
		return fmt.Errorf("no active practice in state %s", r.state)
	}
	r.sentenceFrames = 0
	return nil
}

// complete ends the run early from any sentence and records stats.
func (r *practiceRun) complete() error {
	if r.state != statePracticing {
		return fmt.Errorf("no active practice in state %s", r.state)
	}
	r.state = stateCompleted
	return nil
}

// restart replays the attached story from the first sentence.
func (r *practiceRun) restart(now time.Time) error {
	if r.story == nil || (r.state != statePracticing && r.state != stateCompleted) {
		return fmt.Errorf("no story to restart in state %s", r.state)
	}
	r.state = statePracticing
	r.resetCounters()
	r.startedAt = now
	return nil
}

func (r *practiceRun) resetCounters() {
	r.cursor = 0
	r.highestReached = 0
	r.sentenceFrames = 0
	r.framesScored = 0
	r.confidenceSum = 0
}

// active reports whether frames should be evaluated against a sentence.
func (r *practiceRun) active() bool {
	return r.state == statePracticing
}

// recordEvaluation folds one evaluated frame into the run's aggregates.
func (r *practiceRun) recordEvaluation(confidence float64) {
	if r.state != statePracticing {
		return
	}
	r.sentenceFrames++
	r.framesScored++
	r.confidenceSum += confidence
}

// stats snapshots the aggregate summary for a completed or abandoned run.
func (r *practiceRun) stats(now time.Time) practiceStats {
	st := practiceStats{attempted: r.highestReached + 1}
	if r.story != nil {
		st.storyID = r.story.ID
		st.sentences = len(r.story.Sentences)
	} else {
		st.attempted = 0
	}
	if !r.startedAt.IsZero() {
		st.duration = now.Sub(r.startedAt)
	}
	if r.framesScored > 0 {
		st.meanConfidence = r.confidenceSum / float64(r.framesScored)
	}
	return st
}

// sentence returns the sentence under practice, or nil outside a run.
func (r *practiceRun) sentence() *content.Sentence {
	if r.state != statePracticing || r.story == nil || r.cursor >= len(r.story.Sentences) {
		return nil
	}
	return &r.story.Sentences[r.cursor]
}

// reference returns the evaluation key for the current sentence, empty
// outside an active run.
func (r *practiceRun) reference() string {
	if s := r.sentence(); s != nil {
		return s.Reference
	}
	return ""
}
