package session

import (
	"strings"
	"time"
)

// Tier is an adaptive quality level. Higher tiers trade latency headroom
// for visual fidelity.
type Tier int

const (
	TierMinimal Tier = iota
	TierLow
	TierBalanced
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierMinimal:
		return "minimal"
	case TierLow:
		return "low"
	case TierBalanced:
		return "balanced"
	case TierHigh:
		return "high"
	default:
		return "balanced"
	}
}

// TierFromString parses a tier name. Unknown names report false.
func TierFromString(s string) (Tier, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "minimal":
		return TierMinimal, true
	case "low":
		return TierLow, true
	case "balanced", "":
		return TierBalanced, true
	case "high":
		return TierHigh, true
	default:
		return TierBalanced, false
	}
}

// Profile fixes the processing parameters for a tier.
type Profile struct {
	Tier          Tier
	JPEGQuality   int
	Scale         float64
	ProcessEvery  int
	TargetLatency time.Duration
}

var tierProfiles = [...]Profile{
	TierMinimal:  {Tier: TierMinimal, JPEGQuality: 30, Scale: 0.50, ProcessEvery: 3, TargetLatency: 250 * time.Millisecond},
	TierLow:      {Tier: TierLow, JPEGQuality: 45, Scale: 0.65, ProcessEvery: 2, TargetLatency: 180 * time.Millisecond},
	TierBalanced: {Tier: TierBalanced, JPEGQuality: 60, Scale: 0.80, ProcessEvery: 2, TargetLatency: 120 * time.Millisecond},
	TierHigh:     {Tier: TierHigh, JPEGQuality: 80, Scale: 1.00, ProcessEvery: 1, TargetLatency: 80 * time.Millisecond},
}

// Profile returns the parameters for the tier.
func (t Tier) Profile() Profile {
	if t < TierMinimal || t > TierHigh {
		return tierProfiles[TierBalanced]
	}
	return tierProfiles[t]
}

const (
	latencyWindowSize = 10
	downgradeFactor   = 1.25
	upgradeFactor     = 0.60
)

// qualityController adjusts the tier from observed end-to-end frame
// latency. It moves at most one tier per full sample window: the window
// is cleared after every change so a switch must prove itself on fresh
// samples before the next one. Loop-confined, no locking.
type qualityController struct {
	tier    Tier
	samples [latencyWindowSize]time.Duration
	n       int
	idx     int
}

func newQualityController(start Tier) *qualityController {
	if start < TierMinimal || start > TierHigh {
		start = TierBalanced
	}
	return &qualityController{tier: start}
}

func (c *qualityController) Profile() Profile {
	return c.tier.Profile()
}

// Observe records one latency sample and reports whether the tier changed.
func (c *qualityController) Observe(latency time.Duration) (Profile, bool) {
	c.samples[c.idx] = latency
	c.idx = (c.idx + 1) % latencyWindowSize
	if c.n < latencyWindowSize {
		c.n++
	}
	if c.n < latencyWindowSize {
		return c.Profile(), false
	}

	var sum time.Duration
	for _, s := range c.samples {
		sum += s
	}
	avg := sum / latencyWindowSize
	target := c.tier.Profile().TargetLatency

	switch {
	case avg > time.Duration(float64(target)*downgradeFactor) && c.tier > TierMinimal:
		c.tier--
	case avg < time.Duration(float64(target)*upgradeFactor) && c.tier < TierHigh:
		c.tier++
	default:
		return c.Profile(), false
	}
	c.n = 0
	c.idx = 0
	return c.Profile(), true
}
