package statemachine

import (
	"testing"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func observing(c behavior.Confidences) *behavior.Profile {
	p := behavior.NewProfile("u1", now.Add(-48*time.Hour))
	p.Confidences = c
	return p
}

func focused(b behavior.BehaviorType, conf float64) *behavior.Profile {
	p := observing(behavior.Confidences{}.With(b, conf))
	p.State = behavior.StateFocused
	p.ActiveBehavior = b
	return p
}

func TestObserving_Activation(t *testing.T) {
	m := New(behavior.DefaultConfig())

	tests := []struct {
		name     string
		c        behavior.Confidences
		state    behavior.UserState
		behavior behavior.BehaviorType
		reason   string
	}{
		{"all low", behavior.Confidences{SmallRecurring: 0.3, StressSpending: 0.64}, behavior.StateObserving, behavior.BehaviorNone, ReasonLowConfidence},
		{"exactly at activation", behavior.Confidences{EndOfMonth: 0.65}, behavior.StateFocused, behavior.EndOfMonth, ReasonActivated},
		{"highest wins", behavior.Confidences{SmallRecurring: 0.7, StressSpending: 0.9, EndOfMonth: 0.8}, behavior.StateFocused, behavior.StressSpending, ReasonActivated},
		{"tie goes to small_recurring", behavior.Confidences{SmallRecurring: 0.8, StressSpending: 0.8, EndOfMonth: 0.8}, behavior.StateFocused, behavior.SmallRecurring, ReasonActivated},
		{"tie goes to stress over eom", behavior.Confidences{StressSpending: 0.7, EndOfMonth: 0.7}, behavior.StateFocused, behavior.StressSpending, ReasonActivated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := m.Evaluate(observing(tt.c), behavior.TriggerTransaction, now)
			assert.Equal(t, behavior.StateObserving, tr.From)
			assert.Equal(t, tt.state, tr.To)
			assert.Equal(t, tt.behavior, tr.ActiveBehavior)
			assert.Equal(t, tt.reason, tr.Reason)
		})
	}
}

func TestObserving_Disabled(t *testing.T) {
	m := New(behavior.DefaultConfig())
	p := observing(behavior.Confidences{SmallRecurring: 0.9})
	p.InterventionEnabled = false

	tr := m.Evaluate(p, behavior.TriggerAppOpen, now)
	assert.False(t, tr.Changed())
	assert.Equal(t, ReasonDisabled, tr.Reason)
	assert.Equal(t, behavior.BehaviorNone, tr.ActiveBehavior)
}

func TestFocused(t *testing.T) {
	m := New(behavior.DefaultConfig())

	t.Run("ignored threshold withdraws", func(t *testing.T) {
		p := focused(behavior.SmallRecurring, 0.8)
		p.IgnoredInterventions = 3
		p.CooldownEndsAt = behavior.TimePtr(now.Add(time.Hour))
		tr := m.Evaluate(p, behavior.TriggerInterventionDelivered, now)
		assert.Equal(t, behavior.StateWithdrawn, tr.To)
		assert.Equal(t, behavior.BehaviorNone, tr.ActiveBehavior)
		require.NotNil(t, tr.WithdrawalEndsAt)
		assert.Equal(t, now.Add(7*24*time.Hour), *tr.WithdrawalEndsAt)
		assert.Nil(t, tr.CooldownEndsAt)
	})

	t.Run("dismissed threshold withdraws", func(t *testing.T) {
		p := focused(behavior.SmallRecurring, 0.8)
		p.DismissedCount = 3
		assert.Equal(t, behavior.StateWithdrawn, m.Evaluate(p, behavior.TriggerTransaction, now).To)
	})

	t.Run("delivery starts cooldown", func(t *testing.T) {
		p := focused(behavior.StressSpending, 0.8)
		p.IgnoredInterventions = 2
		tr := m.Evaluate(p, behavior.TriggerInterventionDelivered, now)
		assert.Equal(t, behavior.StateCooldown, tr.To)
		assert.Equal(t, behavior.StressSpending, tr.ActiveBehavior)
		require.NotNil(t, tr.CooldownEndsAt)
		assert.Equal(t, now.Add(24*time.Hour), *tr.CooldownEndsAt)
	})

	t.Run("deactivates below threshold", func(t *testing.T) {
		tr := m.Evaluate(focused(behavior.EndOfMonth, 0.39), behavior.TriggerScheduledTick, now)
		assert.Equal(t, behavior.StateObserving, tr.To)
		assert.Equal(t, behavior.BehaviorNone, tr.ActiveBehavior)
		assert.Equal(t, ReasonDeactivated, tr.Reason)
	})

	t.Run("hysteresis keeps focus", func(t *testing.T) {
		tr := m.Evaluate(focused(behavior.EndOfMonth, 0.5), behavior.TriggerTransaction, now)
		assert.False(t, tr.Changed())
		assert.Equal(t, behavior.EndOfMonth, tr.ActiveBehavior)
	})
}

func TestCooldown(t *testing.T) {
	m := New(behavior.DefaultConfig())

	cooling := func(conf float64, ends time.Time) *behavior.Profile {
		p := focused(behavior.SmallRecurring, conf)
		p.State = behavior.StateCooldown
		p.CooldownEndsAt = behavior.TimePtr(ends)
		// A higher unrelated confidence must not steal focus.
		p.Confidences.StressSpending = 0.9
		return p
	}

	tr := m.Evaluate(cooling(0.8, now.Add(time.Minute)), behavior.TriggerTransaction, now)
	assert.Equal(t, behavior.StateCooldown, tr.To)
	assert.Equal(t, ReasonCooldownActive, tr.Reason)
	assert.NotNil(t, tr.CooldownEndsAt)

	tr = m.Evaluate(cooling(0.8, now.Add(-time.Minute)), behavior.TriggerTransaction, now)
	assert.Equal(t, behavior.StateFocused, tr.To)
	assert.Equal(t, behavior.SmallRecurring, tr.ActiveBehavior)
	assert.Nil(t, tr.CooldownEndsAt)

	tr = m.Evaluate(cooling(0.5, now.Add(-time.Minute)), behavior.TriggerTransaction, now)
	assert.Equal(t, behavior.StateObserving, tr.To)
	assert.Equal(t, behavior.BehaviorNone, tr.ActiveBehavior)
}

func TestWithdrawn(t *testing.T) {
	m := New(behavior.DefaultConfig())
	withdrawn := func(ends time.Time) *behavior.Profile {
		p := observing(behavior.Confidences{SmallRecurring: 0.9})
		p.State = behavior.StateWithdrawn
		p.WithdrawalEndsAt = behavior.TimePtr(ends)
		return p
	}

	tr := m.Evaluate(withdrawn(now.Add(72*time.Hour)), behavior.TriggerTransaction, now)
	assert.Equal(t, behavior.StateWithdrawn, tr.To)

	tr = m.Evaluate(withdrawn(now.Add(72*time.Hour)), behavior.TriggerPositiveSignal, now)
	assert.Equal(t, behavior.StateObserving, tr.To)
	assert.Nil(t, tr.WithdrawalEndsAt)
	assert.Equal(t, ReasonPositiveSignal, tr.Reason)

	tr = m.Evaluate(withdrawn(now.Add(-time.Second)), behavior.TriggerScheduledTick, now)
	assert.Equal(t, behavior.StateObserving, tr.To)
	assert.Equal(t, ReasonWithdrawalEnded, tr.Reason)
}

func TestEvaluate_IdempotentAndPure(t *testing.T) {
	m := New(behavior.DefaultConfig())
	p := focused(behavior.SmallRecurring, 0.8)
	before := p.Clone()

	a := m.Evaluate(p, behavior.TriggerInterventionDelivered, now)
	b := m.Evaluate(p, behavior.TriggerInterventionDelivered, now)
	assert.Equal(t, a, b)
	assert.Equal(t, before, p)
}

func TestApply(t *testing.T) {
	m := New(behavior.DefaultConfig())
	p := focused(behavior.SmallRecurring, 0.8)
	tr := m.Evaluate(p, behavior.TriggerInterventionDelivered, now)

	next := Apply(p, tr, now)
	assert.Equal(t, behavior.StateCooldown, next.State)
	assert.Equal(t, behavior.SmallRecurring, next.ActiveBehavior)
	assert.Equal(t, now, next.UpdatedAt)
	assert.Equal(t, behavior.StateFocused, p.State, "input profile untouched")

	// The invariant between state and active behavior holds after every step.
	for _, trig := range []behavior.TriggerEvent{
		behavior.TriggerTransaction, behavior.TriggerScheduledTick, behavior.TriggerPositiveSignal,
	} {
		later := now.Add(25 * time.Hour)
		next = Apply(next, m.Evaluate(next, trig, later), later)
		assert.Equal(t, next.State.HoldsBehavior(), next.ActiveBehavior != behavior.BehaviorNone, trig)
	}
}

func TestUnknownState(t *testing.T) {
	m := New(behavior.DefaultConfig())
	p := observing(behavior.Confidences{})
	p.State = "PAUSED"
	tr := m.Evaluate(p, behavior.TriggerAppOpen, now)
	assert.Equal(t, behavior.StateObserving, tr.To)
	assert.Equal(t, ReasonUnknownState, tr.Reason)
}
