// Package decision is the admission-control chain that decides whether to
// interrupt the user right now.
//
// Gates run in a fixed order and the first failure wins:
//
//  1. STATE                 user must be FOCUSED
//  2. DISABLED              interventions must be enabled
//  3. COOLDOWN              no cooldown in force
//  4. DAILY_LIMIT           fewer than MaxPerDay deliveries today
//  5. WEEKLY_LIMIT          fewer than MaxPerWeek in the trailing 7 days
//  6. NO_ACTIVE_BEHAVIOR    an active behavior is set
//  7. LOW_CONFIDENCE        its confidence reaches the intervention threshold
//  8. NOT_BEHAVIORAL_MOMENT the triggering transaction is a teachable moment
package decision

import (
	"fmt"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
)

// Gate identifies the precondition that blocked a decision.
type Gate string

const (
	GateState               Gate = "STATE"
	GateDisabled            Gate = "DISABLED"
	GateCooldown            Gate = "COOLDOWN"
	GateDailyLimit          Gate = "DAILY_LIMIT"
	GateWeeklyLimit         Gate = "WEEKLY_LIMIT"
	GateNoActiveBehavior    Gate = "NO_ACTIVE_BEHAVIOR"
	GateLowConfidence       Gate = "LOW_CONFIDENCE"
	GateNotBehavioralMoment Gate = "NOT_BEHAVIORAL_MOMENT"
)

// Context is the snapshot a decision reads. A zero Moment blocks at the
// last gate.
type Context struct {
	Profile *behavior.Profile
	Moment  behavior.BehavioralMoment
	Recent  []behavior.Intervention
	Now     time.Time
}

// Decision is the outcome of MakeDecision.
type Decision struct {
	ShouldIntervene  bool                      `json:"shouldIntervene"`
	BlockedBy        Gate                      `json:"blockedBy,omitempty"`
	Reason           string                    `json:"reason"`
	InterventionType behavior.InterventionType `json:"interventionType,omitempty"`
	Behavior         behavior.BehaviorType     `json:"behavior,omitempty"`
	Confidence       float64                   `json:"confidence"`
	MomentType       behavior.MomentType       `json:"momentType,omitempty"`
}

// momentInterventions maps a behavioral moment to the message style.
var momentInterventions = map[behavior.MomentType]behavior.InterventionType{
	behavior.MomentRepeatPurchase:          behavior.ImmediateMirror,
	behavior.MomentPatternMatch:            behavior.PatternReflection,
	behavior.MomentThresholdCrossed:        behavior.ImmediateMirror,
	behavior.MomentTimePattern:             behavior.PatternReflection,
	behavior.MomentRelapseAfterImprovement: behavior.Reinforcement,
}

// InterventionTypeFor returns the message style for a moment type. Unknown
// types get an immediate mirror.
func InterventionTypeFor(m behavior.MomentType) behavior.InterventionType {
	if t, ok := momentInterventions[m]; ok {
		return t
	}
	return behavior.ImmediateMirror
}

// Engine evaluates the gate chain against one configuration.
type Engine struct {
	cfg behavior.Config
}

// NewEngine creates a decision engine.
func NewEngine(cfg behavior.Config) *Engine {
	return &Engine{cfg: cfg}
}

// MakeDecision runs the gates in order.
func (e *Engine) MakeDecision(dc Context) Decision {
	p := dc.Profile
	if p == nil {
		return block(GateState, "no profile")
	}
	if p.State != behavior.StateFocused {
		return block(GateState, fmt.Sprintf("user is %s", p.State))
	}
	if !p.InterventionEnabled {
		return block(GateDisabled, "interventions disabled by user")
	}
	if p.CooldownActive(dc.Now) {
		return block(GateCooldown, fmt.Sprintf("cooldown until %s", p.CooldownEndsAt.Format(time.RFC3339)))
	}
	l := e.cfg.Limits
	if n := CountToday(dc.Recent, dc.Now); n >= l.MaxPerDay {
		return block(GateDailyLimit, fmt.Sprintf("%d interventions today", n))
	}
	if n := CountTrailing(dc.Recent, dc.Now, behavior.Days(7)); n >= l.MaxPerWeek {
		return block(GateWeeklyLimit, fmt.Sprintf("%d interventions this week", n))
	}
	if p.ActiveBehavior == behavior.BehaviorNone {
		return block(GateNoActiveBehavior, "no active behavior")
	}
	conf := p.ActiveConfidence()
	if conf < e.cfg.Thresholds.Intervention {
		d := block(GateLowConfidence, fmt.Sprintf("confidence %.2f below %.2f", conf, e.cfg.Thresholds.Intervention))
		d.Behavior, d.Confidence = p.ActiveBehavior, conf
		return d
	}
	if !dc.Moment.IsBehavioralMoment {
		d := block(GateNotBehavioralMoment, "not a behavioral moment")
		d.Behavior, d.Confidence = p.ActiveBehavior, conf
		return d
	}

	return Decision{
		ShouldIntervene:  true,
		Reason:           "all gates passed",
		InterventionType: InterventionTypeFor(dc.Moment.MomentType),
		Behavior:         p.ActiveBehavior,
		Confidence:       conf,
		MomentType:       dc.Moment.MomentType,
	}
}

// CountToday counts interventions delivered on now's calendar date, in now's
// location.
func CountToday(recent []behavior.Intervention, now time.Time) int {
	y, m, d := now.Date()
	n := 0
	for _, iv := range recent {
		iy, im, id := iv.DeliveredAt.In(now.Location()).Date()
		if iy == y && im == m && id == d && !iv.DeliveredAt.After(now) {
			n++
		}
	}
	return n
}

// CountTrailing counts interventions delivered in (now-window, now].
func CountTrailing(recent []behavior.Intervention, now time.Time, window time.Duration) int {
	since := now.Add(-window)
	n := 0
	for _, iv := range recent {
		if iv.DeliveredAt.After(since) && !iv.DeliveredAt.After(now) {
			n++
		}
	}
	return n
}

func block(g Gate, reason string) Decision {
	return Decision{BlockedBy: g, Reason: reason}
}
