// Package anticheat scores reported player actions against the player's
// recent history. Everything here is a pure function of its inputs.
package anticheat

import (
	"fmt"
	"math"
	"sort"
	"time"

	"progression-engine/internal/domain"
)

type Config struct {
	MaxVelocity       float64
	MaxTraversalSpeed float64
	// MinElapsed is the smallest gap between two actions for which a
	// traversal speed is computed at all.
	MinElapsed          time.Duration
	Window              time.Duration
	SpamThreshold       int
	SuspicionThreshold  float64
	MaxActionRate       float64
	StuckPatternRatio   float64
	CadenceMinSamples   int
	CadenceMaxVariation float64
	HighSuspension      time.Duration
	CriticalSuspension  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxVelocity:         50,
		MaxTraversalSpeed:   25,
		MinElapsed:          50 * time.Millisecond,
		Window:              10 * time.Second,
		SpamThreshold:       30,
		SuspicionThreshold:  0.3,
		MaxActionRate:       10,
		StuckPatternRatio:   0.3,
		CadenceMinSamples:   10,
		CadenceMaxVariation: 0.05,
		HighSuspension:      24 * time.Hour,
		CriticalSuspension:  7 * 24 * time.Hour,
	}
}

// Behavior score deductions, in hundredths.
const (
	stuckPatternPenalty = 30
	actionRatePenalty   = 40
	cadencePenalty      = 20
)

type Evaluation struct {
	Violations    []domain.Violation
	BehaviorScore float64
}

type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Evaluate runs every check independently against sample. recent holds the
// player's earlier samples (not including sample); lastKnown and lastActionAt
// describe the previous accepted action and may be zero for a first action.
func (s *Scorer) Evaluate(sample domain.ActionSample, recent []domain.ActionSample, lastKnown *domain.Vec3, lastActionAt time.Time) Evaluation {
	now := sample.ServerTimestamp
	var out []domain.Violation

	add := func(t domain.ViolationType, sev domain.Severity, evidence string) {
		out = append(out, domain.Violation{
			PlayerID:   sample.PlayerID,
			Type:       t,
			Severity:   sev,
			Evidence:   evidence,
			DetectedAt: now,
		})
	}

	if axis, v, ok := s.speedExceeded(sample.Velocity); ok {
		add(domain.ViolationSpeedHack, domain.SeverityHigh,
			fmt.Sprintf("velocity.%s=%.2f exceeds cap %.2f", axis, v, s.cfg.MaxVelocity))
	}

	if lastKnown != nil && !lastActionAt.IsZero() {
		elapsed := now.Sub(lastActionAt)
		if elapsed >= s.cfg.MinElapsed {
			dist := distance(*lastKnown, sample.Position)
			speed := dist / elapsed.Seconds()
			if limit := 2 * s.cfg.MaxTraversalSpeed; speed > limit {
				add(domain.ViolationTeleport, domain.SeverityCritical,
					fmt.Sprintf("moved %.2f units in %s (%.2f u/s, limit %.2f)", dist, elapsed, speed, limit))
			}
		}
	}

	window := s.Window(sample, recent)
	if len(window) > s.cfg.SpamThreshold {
		add(domain.ViolationActionSpam, domain.SeverityMedium,
			fmt.Sprintf("%d actions within %s (limit %d)", len(window), s.cfg.Window, s.cfg.SpamThreshold))
	}

	score := s.behaviorScore(window)
	if score < s.cfg.SuspicionThreshold {
		add(domain.ViolationSuspiciousBehavior, domain.SeverityMedium,
			fmt.Sprintf("behavior score %.2f below %.2f", score, s.cfg.SuspicionThreshold))
	}

	return Evaluation{Violations: out, BehaviorScore: score}
}

// Window returns the samples of the trailing window ending at sample, sample
// included, ordered by server time.
func (s *Scorer) Window(sample domain.ActionSample, recent []domain.ActionSample) []domain.ActionSample {
	cutoff := sample.ServerTimestamp.Add(-s.cfg.Window)
	window := make([]domain.ActionSample, 0, len(recent)+1)
	for _, r := range recent {
		if r.PlayerID != "" && r.PlayerID != sample.PlayerID {
			continue
		}
		if r.ServerTimestamp.After(cutoff) && !r.ServerTimestamp.After(sample.ServerTimestamp) {
			window = append(window, r)
		}
	}
	window = append(window, sample)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].ServerTimestamp.Before(window[j].ServerTimestamp)
	})
	return window
}

func (s *Scorer) speedExceeded(v domain.Vec3) (string, float64, bool) {
	for _, c := range []struct {
		axis string
		v    float64
	}{{"x", v.X}, {"y", v.Y}, {"z", v.Z}} {
		if math.Abs(c.v) > s.cfg.MaxVelocity {
			return c.axis, c.v, true
		}
	}
	return "", 0, false
}

// BehaviorScore is 1.0 for an unremarkable window and falls toward 0 as the
// pattern looks scripted.
func (s *Scorer) BehaviorScore(window []domain.ActionSample) float64 {
	return s.behaviorScore(window)
}

func (s *Scorer) behaviorScore(window []domain.ActionSample) float64 {
	total := len(window)
	if total == 0 {
		return 1
	}

	penalty := 0

	distinct := map[string]struct{}{}
	for _, w := range window {
		distinct[w.ActionType] = struct{}{}
	}
	if float64(len(distinct)) < s.cfg.StuckPatternRatio*float64(total) {
		penalty += stuckPatternPenalty
	}

	if rate := float64(total) / s.cfg.Window.Seconds(); rate > s.cfg.MaxActionRate {
		penalty += actionRatePenalty
	}

	if total >= s.cfg.CadenceMinSamples && s.metronomic(window) {
		penalty += cadencePenalty
	}

	score := 100 - penalty
	if score < 0 {
		score = 0
	}
	return float64(score) / 100
}

// metronomic reports whether the gaps between actions are nearly identical.
func (s *Scorer) metronomic(window []domain.ActionSample) bool {
	gaps := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		gaps = append(gaps, window[i].ServerTimestamp.Sub(window[i-1].ServerTimestamp).Seconds())
	}
	var mean float64
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean <= 0 {
		return false
	}
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance)/mean < s.cfg.CadenceMaxVariation
}

func distance(a, b domain.Vec3) float64 {
	dx, dy, dz := b.X-a.X, b.Y-a.Y, b.Z-a.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type Action string

const (
	ActionAllow Action = "allow"
	ActionFlag  Action = "flag"
)

type Punishment struct {
	Action      Action
	Suspend     bool
	Severity    domain.Severity
	SuspendFor  time.Duration
	Description string
}

// Escalate maps the worst severity of one evaluation to a punishment.
func (s *Scorer) Escalate(violations []domain.Violation) Punishment {
	worst := domain.SeverityNone
	for _, v := range violations {
		if v.Severity.Rank() > worst.Rank() {
			worst = v.Severity
		}
	}

	switch worst {
	case domain.SeverityCritical:
		return Punishment{Action: ActionFlag, Suspend: true, Severity: worst, SuspendFor: s.cfg.CriticalSuspension, Description: "suspended: critical integrity violation"}
	case domain.SeverityHigh:
		return Punishment{Action: ActionFlag, Suspend: true, Severity: worst, SuspendFor: s.cfg.HighSuspension, Description: "suspended: high severity integrity violation"}
	case domain.SeverityMedium, domain.SeverityLow:
		return Punishment{Action: ActionFlag, Severity: worst, Description: "flagged for review"}
	default:
		return Punishment{Action: ActionAllow}
	}
}
