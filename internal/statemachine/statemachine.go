// Package statemachine decides a user's next lifecycle state from the
// current profile and the event that triggered evaluation.
//
// OBSERVING activates into FOCUSED, a delivery moves FOCUSED into COOLDOWN,
// repeated failures move FOCUSED into WITHDRAWN. COOLDOWN and WITHDRAWN
// expire on their own timestamps.
//
// Evaluate never schedules anything. Timers are absolute timestamps on the
// profile, so calling it again on the next trigger is idempotent.
package statemachine

import (
	"fmt"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
)

// Transition reasons.
const (
	ReasonDisabled         = "interventions disabled"
	ReasonLowConfidence    = "confidence too low"
	ReasonActivated        = "confidence above activation threshold"
	ReasonTooManyFailures  = "too many ignored or dismissed interventions"
	ReasonDelivered        = "intervention delivered"
	ReasonDeactivated      = "confidence fell below deactivation threshold"
	ReasonStillFocused     = "behavior still active"
	ReasonCooldownActive   = "cooldown in effect"
	ReasonWithdrawalActive = "withdrawal in effect"
	ReasonWithdrawalEnded  = "withdrawal expired"
	ReasonPositiveSignal   = "positive signal"
	ReasonUnknownState     = "unknown state"
)

// Transition is the resulting lifecycle position. Timer fields hold the
// values the profile should carry afterwards, nil meaning cleared.
type Transition struct {
	From             behavior.UserState    `json:"from"`
	To               behavior.UserState    `json:"to"`
	ActiveBehavior   behavior.BehaviorType `json:"activeBehavior,omitempty"`
	Reason           string                `json:"reason"`
	CooldownEndsAt   *time.Time            `json:"cooldownEndsAt,omitempty"`
	WithdrawalEndsAt *time.Time            `json:"withdrawalEndsAt,omitempty"`
}

// Changed reports whether the state tag moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Reason)
}

// Machine evaluates transitions against one configuration.
type Machine struct {
	cfg behavior.Config
}

// New creates a Machine.
func New(cfg behavior.Config) *Machine {
	return &Machine{cfg: cfg}
}

// Evaluate computes the transition for p on trigger at now. p is not modified.
func (m *Machine) Evaluate(p *behavior.Profile, trigger behavior.TriggerEvent, now time.Time) Transition {
	stay := Transition{
		From:             p.State,
		To:               p.State,
		ActiveBehavior:   p.ActiveBehavior,
		CooldownEndsAt:   p.CooldownEndsAt,
		WithdrawalEndsAt: p.WithdrawalEndsAt,
	}

	switch p.State {
	case behavior.StateObserving:
		return m.activate(p, stay, behavior.BehaviorNone)

	case behavior.StateFocused:
		l := m.cfg.Limits
		if p.IgnoredInterventions >= l.IgnoredThreshold || p.DismissedCount >= l.DismissedThreshold {
			return Transition{
				From:             p.State,
				To:               behavior.StateWithdrawn,
				Reason:           ReasonTooManyFailures,
				WithdrawalEndsAt: behavior.TimePtr(now.Add(behavior.Days(l.WithdrawalDays))),
			}
		}
		if trigger == behavior.TriggerInterventionDelivered {
			stay.To = behavior.StateCooldown
			stay.Reason = ReasonDelivered
			stay.CooldownEndsAt = behavior.TimePtr(now.Add(behavior.Hours(l.CooldownHours)))
			return stay
		}
		if p.ActiveConfidence() < m.cfg.Thresholds.Deactivation {
			stay.To = behavior.StateObserving
			stay.ActiveBehavior = behavior.BehaviorNone
			stay.Reason = ReasonDeactivated
			return stay
		}
		stay.Reason = ReasonStillFocused
		return stay

	case behavior.StateCooldown:
		if p.CooldownActive(now) {
			stay.Reason = ReasonCooldownActive
			return stay
		}
		stay.CooldownEndsAt = nil
		return m.activate(p, stay, p.ActiveBehavior)

	case behavior.StateWithdrawn:
		if trigger == behavior.TriggerPositiveSignal {
			return Transition{From: p.State, To: behavior.StateObserving, Reason: ReasonPositiveSignal}
		}
		if p.WithdrawalActive(now) {
			stay.Reason = ReasonWithdrawalActive
			return stay
		}
		return Transition{From: p.State, To: behavior.StateObserving, Reason: ReasonWithdrawalEnded}
	}

	return Transition{From: p.State, To: behavior.StateObserving, Reason: ReasonUnknownState}
}

// activate is the OBSERVING activation check. With prev set only that
// behavior is considered; otherwise the highest-confidence behavior is.
func (m *Machine) activate(p *behavior.Profile, t Transition, prev behavior.BehaviorType) Transition {
	t.To = behavior.StateObserving
	t.ActiveBehavior = behavior.BehaviorNone
	if !p.InterventionEnabled {
		t.Reason = ReasonDisabled
		return t
	}
	b, conf := prev, p.Confidences.Get(prev)
	if prev == behavior.BehaviorNone {
		b, conf = p.Confidences.Highest()
	}
	if conf >= m.cfg.Thresholds.Activation {
		t.To = behavior.StateFocused
		t.ActiveBehavior = b
		t.Reason = ReasonActivated
		return t
	}
	t.Reason = ReasonLowConfidence
	return t
}

// Apply returns a copy of p with the transition written onto it.
func Apply(p *behavior.Profile, t Transition, now time.Time) *behavior.Profile {
	out := p.Clone()
	out.State = t.To
	out.ActiveBehavior = t.ActiveBehavior
	out.CooldownEndsAt = t.CooldownEndsAt
	out.WithdrawalEndsAt = t.WithdrawalEndsAt
	out.UpdatedAt = now
	return out
}
