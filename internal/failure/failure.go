// Package failure maps negative user responses to corrective profile
// actions. Unknown modes fall back to reducing frequency so a user is never
// stuck.
package failure

import (
	"fmt"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
)

// Mode is the kind of negative feedback observed.
type Mode string

const (
	ModeIgnored           Mode = "USER_IGNORED"
	ModeDismissed         Mode = "USER_DISMISSED"
	ModeAnnoyed           Mode = "USER_ANNOYED"
	ModeChurning          Mode = "USER_CHURNING"
	ModeConfidenceDropped Mode = "CONFIDENCE_DROPPED"
)

// Action is the corrective step taken.
type Action string

const (
	ActionExtendCooldown  Action = "extend_cooldown"
	ActionWithdraw        Action = "withdraw"
	ActionReset           Action = "reset"
	ActionReduceFrequency Action = "reduce_frequency"
)

// Response is the result of HandleFailure.
type Response struct {
	Mode          Mode   `json:"mode"`
	Action        Action `json:"action"`
	DurationHours int    `json:"durationHours,omitempty"`
	Reason        string `json:"reason"`
}

// Duration converts DurationHours.
func (r Response) Duration() time.Duration {
	return behavior.Hours(r.DurationHours)
}

// Annoyance is a detected sign that the user is tired of interventions.
type Annoyance struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Count    int    `json:"count,omitempty"`
}

// Annoyance types.
const (
	AnnoyanceRapidDismiss   = "rapid_dismiss"
	AnnoyanceSettingsChange = "settings_change"
	SeverityHigh            = "high"
)

// Handler applies failure policy for one configuration.
type Handler struct {
	cfg behavior.Config
}

// NewHandler creates a Handler.
func NewHandler(cfg behavior.Config) *Handler {
	return &Handler{cfg: cfg}
}

// HandleFailure picks the corrective action for mode. Counters on p are read
// after the caller has incremented them for this event.
func (h *Handler) HandleFailure(mode Mode, p *behavior.Profile) Response {
	l := h.cfg.Limits
	switch mode {
	case ModeIgnored:
		if p.IgnoredInterventions < l.IgnoredThreshold {
			return Response{mode, ActionExtendCooldown, l.IgnoredCooldownHours,
				fmt.Sprintf("ignored %d of %d", p.IgnoredInterventions, l.IgnoredThreshold)}
		}
		return Response{mode, ActionWithdraw, l.WithdrawalDays * 24, "ignored too many interventions"}
	case ModeDismissed:
		if p.DismissedCount < l.DismissedThreshold {
			return Response{mode, ActionExtendCooldown, l.DismissedCooldownHours,
				fmt.Sprintf("dismissed %d of %d", p.DismissedCount, l.DismissedThreshold)}
		}
		return Response{mode, ActionWithdraw, l.WithdrawalDays * 24, "dismissed too many interventions"}
	case ModeAnnoyed:
		return Response{mode, ActionWithdraw, l.AnnoyanceWithdrawalDays * 24, "user annoyed"}
	case ModeChurning:
		return Response{Mode: mode, Action: ActionReset, Reason: "user at risk of churning"}
	}
	return Response{mode, ActionReduceFrequency, l.ReduceFrequencyHours, fmt.Sprintf("fallback for %s", mode)}
}

// DetectAnnoyance flags rapid dismissals within the trailing window, then a
// disabled kill switch. It returns nil when neither applies.
func (h *Handler) DetectAnnoyance(recent []behavior.Intervention, p *behavior.Profile, now time.Time) *Annoyance {
	l := h.cfg.Limits
	since := now.Add(-behavior.Hours(l.RapidDismissWindowHours))
	dismissed := 0
	for _, iv := range recent {
		if iv.Response != behavior.ResponseDismissed {
			continue
		}
		at := iv.ResponseTime()
		if at.After(since) && !at.After(now) {
			dismissed++
		}
	}
	if dismissed >= l.RapidDismissCount {
		return &Annoyance{Type: AnnoyanceRapidDismiss, Severity: SeverityHigh, Count: dismissed}
	}
	if p != nil && !p.InterventionEnabled {
		return &Annoyance{Type: AnnoyanceSettingsChange, Severity: SeverityHigh}
	}
	return nil
}

// CalculateNewState returns a copy of p with r applied at now.
func (h *Handler) CalculateNewState(p *behavior.Profile, r Response, now time.Time) *behavior.Profile {
	out := p.Clone()
	out.UpdatedAt = now
	switch r.Action {
	case ActionExtendCooldown, ActionReduceFrequency:
		if out.State == behavior.StateWithdrawn {
			// Withdrawal already outlasts any cooldown.
			return out
		}
		ends := now.Add(r.Duration())
		if out.CooldownEndsAt == nil || out.CooldownEndsAt.Before(ends) {
			out.CooldownEndsAt = behavior.TimePtr(ends)
		}
		if out.ActiveBehavior != behavior.BehaviorNone {
			out.State = behavior.StateCooldown
		}
	case ActionWithdraw:
		out.State = behavior.StateWithdrawn
		out.ActiveBehavior = behavior.BehaviorNone
		out.CooldownEndsAt = nil
		out.WithdrawalEndsAt = behavior.TimePtr(now.Add(r.Duration()))
	case ActionReset:
		out.State = behavior.StateObserving
		out.ActiveBehavior = behavior.BehaviorNone
		out.Confidences = behavior.Confidences{}
		out.IgnoredInterventions = 0
		out.DismissedCount = 0
		out.CooldownEndsAt = nil
		out.WithdrawalEndsAt = nil
	}
	return out
}
