// Package behavior defines the data model shared by every part of the
// intervention engine: the behavior and state tags, the per-user behavioral
// profile, transactions, signals, detection results, delivered interventions,
// and the immutable threshold configuration.
//
// Tag types are closed: every constant set has an All/Valid pair and callers
// switch over them exhaustively.
package behavior

import "fmt"

// BehaviorType names a spending pattern tracked with its own confidence.
type BehaviorType string

const (
	BehaviorNone   BehaviorType = ""
	SmallRecurring BehaviorType = "small_recurring"
	StressSpending BehaviorType = "stress_spending"
	EndOfMonth     BehaviorType = "end_of_month"
)

// AllBehaviors lists behavior types in tie-break priority order.
var AllBehaviors = []BehaviorType{SmallRecurring, StressSpending, EndOfMonth}

// Valid reports whether b is one of the tracked behavior types.
func (b BehaviorType) Valid() bool {
	switch b {
	case SmallRecurring, StressSpending, EndOfMonth:
		return true
	}
	return false
}

// ParseBehavior converts a tag into a BehaviorType. The empty string maps to
// BehaviorNone.
func ParseBehavior(s string) (BehaviorType, error) {
	b := BehaviorType(s)
	if b == BehaviorNone || b.Valid() {
		return b, nil
	}
	return BehaviorNone, fmt.Errorf("unknown behavior type %q", s)
}

// UserState is a position in the per-user interruption lifecycle.
type UserState string

const (
	StateObserving UserState = "OBSERVING"
	StateFocused   UserState = "FOCUSED"
	StateCooldown  UserState = "COOLDOWN"
	StateWithdrawn UserState = "WITHDRAWN"
)

// Valid reports whether s is a known lifecycle state.
func (s UserState) Valid() bool {
	switch s {
	case StateObserving, StateFocused, StateCooldown, StateWithdrawn:
		return true
	}
	return false
}

// HoldsBehavior reports whether an active behavior must be set in state s.
func (s UserState) HoldsBehavior() bool {
	return s == StateFocused || s == StateCooldown
}

// TriggerEvent is the discrete event that caused an evaluation.
type TriggerEvent string

const (
	TriggerTransaction           TriggerEvent = "TRANSACTION"
	TriggerAppOpen               TriggerEvent = "APP_OPEN"
	TriggerScheduledTick         TriggerEvent = "SCHEDULED_TICK"
	TriggerInterventionDelivered TriggerEvent = "INTERVENTION_DELIVERED"
	TriggerPositiveSignal        TriggerEvent = "POSITIVE_SIGNAL"
)

// Valid reports whether t is a known trigger.
func (t TriggerEvent) Valid() bool {
	switch t {
	case TriggerTransaction, TriggerAppOpen, TriggerScheduledTick,
		TriggerInterventionDelivered, TriggerPositiveSignal:
		return true
	}
	return false
}

// InterventionType selects the style of message delivered to the user.
type InterventionType string

const (
	InterventionNone  InterventionType = ""
	ImmediateMirror   InterventionType = "immediate_mirror"
	PatternReflection InterventionType = "pattern_reflection"
	Reinforcement     InterventionType = "reinforcement"
)

// UserResponse is the UI collaborator's report of what the user did with a
// delivered intervention.
type UserResponse string

const (
	ResponseNone      UserResponse = ""
	ResponseViewed    UserResponse = "viewed"
	ResponseDismissed UserResponse = "dismissed"
	ResponseEngaged   UserResponse = "engaged"
	ResponseIgnored   UserResponse = "ignored"
)

// Valid reports whether r is a reportable response.
func (r UserResponse) Valid() bool {
	switch r {
	case ResponseViewed, ResponseDismissed, ResponseEngaged, ResponseIgnored:
		return true
	}
	return false
}

// MomentType classifies the transaction that triggered an evaluation, as
// supplied by the behavioral-moment collaborator.
type MomentType string

const (
	MomentRepeatPurchase          MomentType = "REPEAT_PURCHASE"
	MomentPatternMatch            MomentType = "PATTERN_MATCH"
	MomentThresholdCrossed        MomentType = "THRESHOLD_CROSSED"
	MomentTimePattern             MomentType = "TIME_PATTERN"
	MomentRelapseAfterImprovement MomentType = "RELAPSE_AFTER_IMPROVEMENT"
)

// BehavioralMoment is the externally computed "is this a teachable moment"
// verdict for the triggering transaction.
type BehavioralMoment struct {
	IsBehavioralMoment bool       `json:"isBehavioralMoment"`
	MomentType         MomentType `json:"momentType,omitempty"`
	Confidence         float64    `json:"confidence"`
}

// TimeOfDay buckets the local hour of a transaction.
type TimeOfDay string

const (
	TimeLateNight TimeOfDay = "late_night"
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimePostWork  TimeOfDay = "post_work"
	TimeEvening   TimeOfDay = "evening"
)

// ClassifyHour maps an hour of day (0-23) to its bucket.
func ClassifyHour(hour int) TimeOfDay {
	switch {
	case hour >= 22 || hour < 3:
		return TimeLateNight
	case hour < 12:
		return TimeMorning
	case hour < 17:
		return TimeAfternoon
	case hour < 20:
		return TimePostWork
	default:
		return TimeEvening
	}
}
