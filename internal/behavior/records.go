package behavior

import (
	"math"
	"time"
)

// Transaction is one signed-amount ledger entry. Expenses are negative.
type Transaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Amount     float64   `json:"amount"`
	CategoryID string    `json:"categoryId"`
	Merchant   string    `json:"merchant,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// IsExpense reports whether the transaction moves money out.
func (t Transaction) IsExpense() bool {
	return t.Amount < 0
}

// AbsAmount returns the unsigned amount.
func (t Transaction) AbsAmount() float64 {
	return math.Abs(t.Amount)
}

// BehavioralSignal is a single piece of evidence produced by a detector.
// Signals are values and never mutated after creation.
type BehavioralSignal struct {
	Type          BehaviorType `json:"type"`
	Strength      float64      `json:"strength"`
	TransactionID string       `json:"transactionId"`
	TimeOfDay     TimeOfDay    `json:"timeOfDay"`
	CategoryID    string       `json:"categoryId"`
	Reason        string       `json:"reason"`
}

// DetectionResult is the ephemeral output of one detector run for one
// behavior type. Only Confidence is folded back into the profile.
type DetectionResult struct {
	Behavior      BehaviorType       `json:"behavior"`
	Detected      bool               `json:"detected"`
	Confidence    float64            `json:"confidence"`
	RawConfidence float64            `json:"rawConfidence"`
	Signals       []BehavioralSignal `json:"signals"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// Intervention is a delivered message. Only Response/RespondedAt are
// attached later; everything else is fixed at delivery.
type Intervention struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Behavior    BehaviorType     `json:"behavior"`
	Type        InterventionType `json:"interventionType"`
	MessageKey  string           `json:"messageKey"`
	Message     string           `json:"message"`
	Confidence  float64          `json:"confidence"`
	DeliveredAt time.Time        `json:"deliveredAt"`
	Response    UserResponse     `json:"userResponse,omitempty"`
	RespondedAt *time.Time       `json:"respondedAt,omitempty"`
}

// ResponseTime is when the user reacted, falling back to delivery time.
func (i Intervention) ResponseTime() time.Time {
	if i.RespondedAt != nil {
		return *i.RespondedAt
	}
	return i.DeliveredAt
}

// WinType distinguishes the kinds of positive behavior change.
type WinType string

const (
	WinStreakMilestone WinType = "streak_milestone"
	WinPatternBreak    WinType = "pattern_break"
)

// BehavioralWin records a detected positive change.
type BehavioralWin struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Behavior  BehaviorType `json:"behavior"`
	Type      WinType      `json:"winType"`
	Streak    int          `json:"streak,omitempty"`
	Reduction float64      `json:"reduction,omitempty"`
	Message   string       `json:"message"`
	At        time.Time    `json:"at"`
}

// RelapseSeverity buckets how far a behavior has reverted.
type RelapseSeverity string

const (
	SeverityNone     RelapseSeverity = ""
	SeverityMild     RelapseSeverity = "mild"
	SeverityModerate RelapseSeverity = "moderate"
	SeveritySevere   RelapseSeverity = "severe"
)
