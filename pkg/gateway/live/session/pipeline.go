package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/signloop/signloop/pkg/gateway/live/engine"
)

const landmarkDotRadius = 2

// errFrameDecode marks a frame the client sent that is not a decodable
// image. Recoverable; the session reports it and keeps going.
var errFrameDecode = errors.New("frame decode failed")

// frameJob is one frame handed to the pipeline, with the quality profile
// and practice reference snapshotted at submit time.
type frameJob struct {
	seq         int64
	timestampMS int64
	data        []byte
	evaluate    bool
	reference   string
	profile     Profile
}

// frameResult is what the pipeline hands back to the session loop.
type frameResult struct {
	seq         int64
	timestampMS int64
	skipped     bool
	evaluated   bool
	image       []byte
	landmarks   []engine.Landmark
	confidence  float64
	suggestion  string
	matched     bool
	profile     Profile
	latency     time.Duration
	degraded    bool
	warnOnce    bool
	err         error
}

// framePipeline decodes, evaluates and annotates frames for one session.
// All state is serialized by the session's worker lane; only close may be
// called from another goroutine.
type framePipeline struct {
	provider  engine.Provider
	logger    *slog.Logger
	errLimit  int
	now       func() time.Time
	counter   int64
	errStreak int
	degraded  bool
	warned    bool

	mu        sync.Mutex
	eng       engine.Engine
	closeOnce sync.Once
	closed    bool
}

func newFramePipeline(provider engine.Provider, logger *slog.Logger, errLimit int, now func() time.Time) *framePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if errLimit <= 0 {
		errLimit = 5
	}
	if now == nil {
		now = time.Now
	}
	return &framePipeline{provider: provider, logger: logger, errLimit: errLimit, now: now}
}

// Process runs one frame through decode, evaluation and annotation.
func (p *framePipeline) Process(ctx context.Context, job frameJob) frameResult {
	res := frameResult{seq: job.seq, timestampMS: job.timestampMS, profile: job.profile}

	p.counter++
	if job.profile.ProcessEvery > 1 && p.counter%int64(job.profile.ProcessEvery) != 0 {
		res.skipped = true
		return res
	}

	src, _, err := image.Decode(bytes.NewReader(job.data))
	if err != nil {
		res.err = fmt.Errorf("%w: frame %d: %v", errFrameDecode, job.seq, err)
		return res
	}

	// No active sentence: decode and re-encode only, never call the
	// engine.
	if !job.evaluate {
		plain, err := renderAnnotated(src, nil, job.profile)
		if err != nil {
			res.err = fmt.Errorf("encode frame %d: %w", job.seq, err)
			return res
		}
		res.image = plain
		return res
	}

	start := p.now()
	eval, err := p.evaluate(ctx, engine.Request{Frame: job.data, Reference: job.reference})
	res.latency = p.now().Sub(start)
	if err != nil {
		p.errStreak++
		if p.errStreak >= p.errLimit && !p.warned {
			p.degraded = true
			p.warned = true
			res.warnOnce = true
		}
		res.degraded = p.degraded
		res.err = err
		return res
	}
	if p.errStreak > 0 || p.degraded {
		p.logger.Info("landmark engine recovered", "err_streak", p.errStreak)
		p.errStreak = 0
		p.degraded = false
		p.warned = false
	}

	annotated, err := renderAnnotated(src, eval, job.profile)
	if err != nil {
		res.err = fmt.Errorf("annotate frame %d: %w", job.seq, err)
		return res
	}

	res.evaluated = true
	res.image = annotated
	res.landmarks = eval.Landmarks
	res.confidence = eval.Confidence
	res.suggestion = eval.Suggestion
	res.matched = eval.Matched
	return res
}

// evaluate calls the engine, opening it lazily and retrying once with a
// fresh instance when a call fails.
func (p *framePipeline) evaluate(ctx context.Context, req engine.Request) (*engine.Evaluation, error) {
	eng, err := p.currentEngine(ctx)
	if err != nil {
		return nil, err
	}
	eval, err := eng.Evaluate(ctx, req)
	if err == nil {
		return eval, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	p.discardEngine(eng)
	eng, openErr := p.currentEngine(ctx)
	if openErr != nil {
		return nil, openErr
	}
	return eng.Evaluate(ctx, req)
}

func (p *framePipeline) currentEngine(ctx context.Context) (engine.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, engine.ErrClosed
	}
	if p.eng != nil {
		return p.eng, nil
	}
	eng, err := p.provider.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open landmark engine: %w", err)
	}
	p.eng = eng
	return eng, nil
}

func (p *framePipeline) discardEngine(eng engine.Engine) {
	p.mu.Lock()
	if p.eng == eng {
		p.eng = nil
	}
	p.mu.Unlock()
	if err := eng.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
		p.logger.Warn("close failed landmark engine", "error", err)
	}
}

// close releases the engine. Safe to call more than once; only the first
// call closes anything.
func (p *framePipeline) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		eng := p.eng
		p.eng = nil
		p.closed = true
		p.mu.Unlock()
		if eng == nil {
			return
		}
		if err := eng.Close(); err != nil && !errors.Is(err, engine.ErrClosed) {
			p.logger.Warn("close landmark engine", "error", err)
		}
	})
}

// renderAnnotated scales the frame per the profile, overlays the detected
// landmarks and a confidence bar, and encodes the result as JPEG. A nil
// eval skips the overlay.
func renderAnnotated(src image.Image, eval *engine.Evaluation, profile Profile) ([]byte, error) {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if profile.Scale > 0 && profile.Scale < 1 {
		w = int(float64(w) * profile.Scale)
		h = int(float64(h) * profile.Scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)

	if eval != nil {
		dotColor := color.RGBA{R: 0, G: 220, B: 90, A: 255}
		for _, lm := range eval.Landmarks {
			drawDot(dst, int(lm.X*float64(w)), int(lm.Y*float64(h)), dotColor)
		}
		drawConfidenceBar(dst, eval.Confidence)
	}

	quality := profile.JPEGQuality
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawDot(dst *image.RGBA, cx, cy int, c color.RGBA) {
	b := dst.Bounds()
	for dy := -landmarkDotRadius; dy <= landmarkDotRadius; dy++ {
		for dx := -landmarkDotRadius; dx <= landmarkDotRadius; dx++ {
			x, y := cx+dx, cy+dy
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				dst.SetRGBA(x, y, c)
			}
		}
	}
}

func drawConfidenceBar(dst *image.RGBA, confidence float64) {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	b := dst.Bounds()
	barHeight := 4
	if b.Dy() < barHeight {
		return
	}
	c := color.RGBA{R: 220, G: 60, B: 50, A: 255}
	switch {
	case confidence >= 0.75:
		c = color.RGBA{R: 0, G: 200, B: 90, A: 255}
	case confidence >= 0.45:
		c = color.RGBA{R: 235, G: 180, B: 30, A: 255}
	}
	fill := int(confidence * float64(b.Dx()))
	for y := b.Max.Y - barHeight; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Min.X+fill; x++ {
			dst.SetRGBA(x, y, c)
		}
	}
}
