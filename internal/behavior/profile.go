package behavior

import (
	"time"
)

// Confidences holds one smoothed confidence per behavior type.
type Confidences struct {
	SmallRecurring float64 `json:"confidence_small_recurring" yaml:"small_recurring"`
	StressSpending float64 `json:"confidence_stress_spending" yaml:"stress_spending"`
	EndOfMonth     float64 `json:"confidence_end_of_month" yaml:"end_of_month"`
}

// Get returns the confidence for b, or 0 for BehaviorNone.
func (c Confidences) Get(b BehaviorType) float64 {
	switch b {
	case SmallRecurring:
		return c.SmallRecurring
	case StressSpending:
		return c.StressSpending
	case EndOfMonth:
		return c.EndOfMonth
	}
	return 0
}

// With returns a copy of c with the confidence for b replaced.
func (c Confidences) With(b BehaviorType, v float64) Confidences {
	switch b {
	case SmallRecurring:
		c.SmallRecurring = v
	case StressSpending:
		c.StressSpending = v
	case EndOfMonth:
		c.EndOfMonth = v
	}
	return c
}

// Highest returns the behavior with the highest confidence. Ties resolve to
// the earlier entry of AllBehaviors.
func (c Confidences) Highest() (BehaviorType, float64) {
	best, bestConf := AllBehaviors[0], c.Get(AllBehaviors[0])
	for _, b := range AllBehaviors[1:] {
		if v := c.Get(b); v > bestConf {
			best, bestConf = b, v
		}
	}
	return best, bestConf
}

// SeasonalFactors is the calibrated multiplicative adjustment table.
// Month is indexed by time.Month-1, Weekday by time.Weekday.
type SeasonalFactors struct {
	Month        [12]float64 `json:"month"`
	Weekday      [7]float64  `json:"weekday"`
	HolidayBoost bool        `json:"holidayBoost"`
}

// DefaultSeasonalFactors returns the neutral table (every factor 1.0, holiday
// boost on).
func DefaultSeasonalFactors() SeasonalFactors {
	var f SeasonalFactors
	for i := range f.Month {
		f.Month[i] = 1.0
	}
	for i := range f.Weekday {
		f.Weekday[i] = 1.0
	}
	f.HolidayBoost = true
	return f
}

// ConfidenceSnapshot is one entry of a profile's confidence history.
type ConfidenceSnapshot struct {
	At          time.Time   `json:"at"`
	Confidences Confidences `json:"confidences"`
}

// ConfidenceHistory is a bounded, append-only log of snapshots, oldest first.
type ConfidenceHistory []ConfidenceSnapshot

// Append returns a new history with s appended, keeping at most limit of the
// most recent entries. The receiver is never modified.
func (h ConfidenceHistory) Append(s ConfidenceSnapshot, limit int) ConfidenceHistory {
	if limit <= 0 {
		return nil
	}
	start := 0
	if len(h)+1 > limit {
		start = len(h) + 1 - limit
	}
	out := make(ConfidenceHistory, 0, len(h)-start+1)
	out = append(out, h[start:]...)
	return append(out, s)
}

// Profile is the per-user behavioral state owned by the engine.
//
// Invariants: ActiveBehavior is set iff State is FOCUSED or COOLDOWN; at most
// one of CooldownEndsAt/WithdrawalEndsAt lies in the future.
type Profile struct {
	UserID               string            `json:"userId"`
	State                UserState         `json:"userState"`
	ActiveBehavior       BehaviorType      `json:"activeBehavior,omitempty"`
	Confidences          Confidences       `json:"confidences"`
	CooldownEndsAt       *time.Time        `json:"cooldownEndsAt,omitempty"`
	WithdrawalEndsAt     *time.Time        `json:"withdrawalEndsAt,omitempty"`
	IgnoredInterventions int               `json:"ignoredInterventions"`
	DismissedCount       int               `json:"dismissedCount"`
	CurrentStreak        int               `json:"currentStreak"`
	LongestStreak        int               `json:"longestStreak"`
	LastWinAt            *time.Time        `json:"lastWinAt,omitempty"`
	InterventionEnabled  bool              `json:"interventionEnabled"`
	SeasonalFactors      SeasonalFactors   `json:"seasonalFactors"`
	SeasonalCalibratedAt *time.Time        `json:"seasonalCalibratedAt,omitempty"`
	ConfidenceHistory    ConfidenceHistory `json:"confidenceHistory,omitempty"`
	UpgradePromptsAt     []time.Time       `json:"upgradePromptsAt,omitempty"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// NewProfile returns the signup profile: OBSERVING, zero confidences,
// interventions enabled, neutral seasonal factors.
func NewProfile(userID string, now time.Time) *Profile {
	return &Profile{
		UserID:              userID,
		State:               StateObserving,
		InterventionEnabled: true,
		SeasonalFactors:     DefaultSeasonalFactors(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.CooldownEndsAt = cloneTime(p.CooldownEndsAt)
	c.WithdrawalEndsAt = cloneTime(p.WithdrawalEndsAt)
	c.LastWinAt = cloneTime(p.LastWinAt)
	c.SeasonalCalibratedAt = cloneTime(p.SeasonalCalibratedAt)
	if p.ConfidenceHistory != nil {
		c.ConfidenceHistory = append(ConfidenceHistory(nil), p.ConfidenceHistory...)
	}
	if p.UpgradePromptsAt != nil {
		c.UpgradePromptsAt = append([]time.Time(nil), p.UpgradePromptsAt...)
	}
	return &c
}

// CooldownActive reports whether the cooldown timer is set and in the future.
func (p *Profile) CooldownActive(now time.Time) bool {
	return p.CooldownEndsAt != nil && p.CooldownEndsAt.After(now)
}

// WithdrawalActive reports whether the withdrawal timer is set and in the future.
func (p *Profile) WithdrawalActive(now time.Time) bool {
	return p.WithdrawalEndsAt != nil && p.WithdrawalEndsAt.After(now)
}

// ActiveConfidence returns the confidence of the active behavior, or 0.
func (p *Profile) ActiveConfidence() float64 {
	return p.Confidences.Get(p.ActiveBehavior)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
