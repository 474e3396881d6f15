// Package friction scores in-session UI frustration from interaction
// counters and decides whether the user should see an upgrade prompt.
package friction

import (
	"fmt"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/calibrator"
)

// Type names a kind of session friction.
type Type string

const (
	ManualCategorization Type = "manual_categorization"
	LockedFeature        Type = "locked_feature"
	BudgetLimit          Type = "budget_limit"
	ExportAttempt        Type = "export_attempt"
	NavigationLoop       Type = "navigation_loop"
)

// AllTypes lists friction types in tie-break order.
var AllTypes = []Type{ManualCategorization, LockedFeature, BudgetLimit, ExportAttempt, NavigationLoop}

// SessionCounters are the raw UI counters for the current session.
type SessionCounters struct {
	ManualCategorizations int `json:"manualCategorizations"`
	LockedFeatureTaps     int `json:"lockedFeatureTaps"`
	BudgetLimitHits       int `json:"budgetLimitHits"`
	ExportAttempts        int `json:"exportAttempts"`
	ScreenRevisits        int `json:"screenRevisits"`
	SessionSeconds        int `json:"sessionSeconds"`
}

// Signal is one detected friction.
type Signal struct {
	Type       Type    `json:"type"`
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Gate is an upgrade-prompt precondition.
type Gate string

const (
	GatePremium       Gate = "PREMIUM"
	GateCooldown      Gate = "COOLDOWN"
	GateWeeklyLimit   Gate = "WEEKLY_LIMIT"
	GateNoFriction    Gate = "NO_FRICTION"
	GateLowConfidence Gate = "LOW_CONFIDENCE"
)

// UpgradeContext is everything the upgrade decision reads.
type UpgradeContext struct {
	Counters  SessionCounters
	Premium   bool
	PromptsAt []time.Time
	Now       time.Time
}

// UpgradeDecision is the outcome of DecideUpgrade.
type UpgradeDecision struct {
	ShouldPrompt bool     `json:"shouldPrompt"`
	BlockedBy    Gate     `json:"blockedBy,omitempty"`
	Friction     Type     `json:"friction,omitempty"`
	Confidence   float64  `json:"confidence"`
	PromptKey    string   `json:"promptKey,omitempty"`
	Signals      []Signal `json:"signals,omitempty"`
	Reason       string   `json:"reason"`
}

type rule struct {
	typ   Type
	count func(SessionCounters) int
	min   func(behavior.FrictionParams) int
	base  float64
	step  float64
}

var rules = []rule{
	{ManualCategorization, func(c SessionCounters) int { return c.ManualCategorizations },
		func(p behavior.FrictionParams) int { return p.ManualCategorizationMin }, 0.55, 0.05},
	{LockedFeature, func(c SessionCounters) int { return c.LockedFeatureTaps },
		func(p behavior.FrictionParams) int { return p.LockedFeatureMin }, 0.65, 0.10},
	{BudgetLimit, func(c SessionCounters) int { return c.BudgetLimitHits },
		func(p behavior.FrictionParams) int { return p.BudgetLimitMin }, 0.60, 0.10},
	{ExportAttempt, func(c SessionCounters) int { return c.ExportAttempts },
		func(p behavior.FrictionParams) int { return p.ExportAttemptMin }, 0.60, 0.10},
	{NavigationLoop, func(c SessionCounters) int { return c.ScreenRevisits },
		func(p behavior.FrictionParams) int { return p.NavigationLoopMin }, 0.50, 0.05},
}

// Detector evaluates friction rules against one configuration.
type Detector struct {
	cfg behavior.Config
	cal *calibrator.Calibrator
}

// New creates a Detector.
func New(cfg behavior.Config) *Detector {
	return &Detector{cfg: cfg, cal: calibrator.New(cfg)}
}

// Detect returns the detected frictions in AllTypes order.
func (d *Detector) Detect(c SessionCounters) []Signal {
	p := d.cfg.Friction
	var out []Signal
	for _, r := range rules {
		n, threshold := r.count(c), r.min(p)
		if threshold <= 0 || n < threshold {
			continue
		}
		if r.typ == NavigationLoop && c.SessionSeconds > p.NavigationLoopSeconds {
			continue
		}
		out = append(out, Signal{
			Type:       r.typ,
			Count:      n,
			Confidence: d.cal.ClampConfidence(r.base + r.step*float64(n-threshold)),
			Reason:     fmt.Sprintf("%s x%d (threshold %d)", r.typ, n, threshold),
		})
	}
	return out
}

// Strongest picks the highest-confidence signal; earlier types win ties.
func Strongest(signals []Signal) (Signal, bool) {
	if len(signals) == 0 {
		return Signal{}, false
	}
	best := signals[0]
	for _, s := range signals[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}
	return best, true
}

// DecideUpgrade runs the upgrade gates in order and stops at the first that
// blocks.
func (d *Detector) DecideUpgrade(uc UpgradeContext) UpgradeDecision {
	p := d.cfg.Friction
	if uc.Premium {
		return blocked(GatePremium, "user already has premium")
	}

	var last time.Time
	weekly := 0
	weekAgo := uc.Now.Add(-behavior.Days(7))
	for _, at := range uc.PromptsAt {
		if at.After(last) {
			last = at
		}
		if at.After(weekAgo) && !at.After(uc.Now) {
			weekly++
		}
	}
	if !last.IsZero() && uc.Now.Sub(last) < behavior.Hours(p.PromptCooldownHours) {
		return blocked(GateCooldown, fmt.Sprintf("last prompt %s ago", uc.Now.Sub(last).Round(time.Minute)))
	}
	if weekly >= p.MaxPromptsPerWeek {
		return blocked(GateWeeklyLimit, fmt.Sprintf("%d prompts in the last 7 days", weekly))
	}

	signals := d.Detect(uc.Counters)
	best, ok := Strongest(signals)
	if !ok {
		return blocked(GateNoFriction, "no friction detected")
	}
	if best.Confidence < p.UpgradeConfidence {
		dec := blocked(GateLowConfidence, fmt.Sprintf("best friction %.2f below %.2f", best.Confidence, p.UpgradeConfidence))
		dec.Friction, dec.Confidence, dec.Signals = best.Type, best.Confidence, signals
		return dec
	}
	return UpgradeDecision{
		ShouldPrompt: true,
		Friction:     best.Type,
		Confidence:   best.Confidence,
		PromptKey:    "upgrade." + string(best.Type),
		Signals:      signals,
		Reason:       best.Reason,
	}
}

func blocked(g Gate, reason string) UpgradeDecision {
	return UpgradeDecision{BlockedBy: g, Reason: reason}
}
