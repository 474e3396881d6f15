package decision

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mbd888/nudge/internal/behavior"
	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 6, 17, 15, 0, 0, 0, time.UTC)

func readyProfile() *behavior.Profile {
	p := behavior.NewProfile("u1", now.Add(-30*24*time.Hour))
	p.State = behavior.StateFocused
	p.ActiveBehavior = behavior.SmallRecurring
	p.Confidences.SmallRecurring = 0.8
	return p
}

var moment = behavior.BehavioralMoment{IsBehavioralMoment: true, MomentType: behavior.MomentRepeatPurchase, Confidence: 0.9}

func delivered(at time.Time) behavior.Intervention {
	return behavior.Intervention{ID: at.String(), UserID: "u1", DeliveredAt: at}
}

func TestMakeDecision_Intervenes(t *testing.T) {
	e := NewEngine(behavior.DefaultConfig())
	got := e.MakeDecision(Context{Profile: readyProfile(), Moment: moment, Now: now})

	want := Decision{
		ShouldIntervene:  true,
		Reason:           "all gates passed",
		InterventionType: behavior.ImmediateMirror,
		Behavior:         behavior.SmallRecurring,
		Confidence:       0.8,
		MomentType:       behavior.MomentRepeatPurchase,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MakeDecision mismatch (-want +got):\n%s", diff)
	}
}

func TestMakeDecision_Gates(t *testing.T) {
	e := NewEngine(behavior.DefaultConfig())

	tests := []struct {
		name   string
		mutate func(*Context)
		gate   Gate
	}{
		{"observing", func(c *Context) { c.Profile.State = behavior.StateObserving }, GateState},
		{"cooldown state beats disabled", func(c *Context) {
			c.Profile.State = behavior.StateCooldown
			c.Profile.InterventionEnabled = false
		}, GateState},
		{"disabled", func(c *Context) { c.Profile.InterventionEnabled = false }, GateDisabled},
		{"disabled beats cooldown timer", func(c *Context) {
			c.Profile.InterventionEnabled = false
			c.Profile.CooldownEndsAt = behavior.TimePtr(now.Add(time.Hour))
		}, GateDisabled},
		{"cooldown timer", func(c *Context) { c.Profile.CooldownEndsAt = behavior.TimePtr(now.Add(time.Hour)) }, GateCooldown},
		{"daily limit", func(c *Context) {
			c.Recent = []behavior.Intervention{delivered(now.Add(-2 * time.Hour)), delivered(now.Add(-5 * time.Hour))}
		}, GateDailyLimit},
		{"weekly limit", func(c *Context) {
			for d := 1; d <= 5; d++ {
				c.Recent = append(c.Recent, delivered(now.AddDate(0, 0, -d)))
			}
		}, GateWeeklyLimit},
		{"no active behavior", func(c *Context) { c.Profile.ActiveBehavior = behavior.BehaviorNone }, GateNoActiveBehavior},
		{"low confidence", func(c *Context) { c.Profile.Confidences.SmallRecurring = 0.69 }, GateLowConfidence},
		{"not a moment", func(c *Context) { c.Moment = behavior.BehavioralMoment{} }, GateNotBehavioralMoment},
		{"low confidence beats missing moment", func(c *Context) {
			c.Profile.Confidences.SmallRecurring = 0.5
			c.Moment = behavior.BehavioralMoment{}
		}, GateLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Context{Profile: readyProfile(), Moment: moment, Now: now}
			tt.mutate(&c)
			d := e.MakeDecision(c)
			assert.False(t, d.ShouldIntervene)
			assert.Equal(t, tt.gate, d.BlockedBy)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestMakeDecision_NilProfile(t *testing.T) {
	d := NewEngine(behavior.DefaultConfig()).MakeDecision(Context{Now: now})
	assert.Equal(t, GateState, d.BlockedBy)
}

func TestMakeDecision_ExpiredCooldownPasses(t *testing.T) {
	e := NewEngine(behavior.DefaultConfig())
	p := readyProfile()
	p.CooldownEndsAt = behavior.TimePtr(now.Add(-time.Minute))
	assert.True(t, e.MakeDecision(Context{Profile: p, Moment: moment, Now: now}).ShouldIntervene)
}

func TestMakeDecision_YesterdayDoesNotCountToday(t *testing.T) {
	e := NewEngine(behavior.DefaultConfig())
	midnight := time.Date(2026, 6, 17, 0, 30, 0, 0, time.UTC)
	recent := []behavior.Intervention{
		delivered(midnight.Add(-time.Hour)),
		delivered(midnight.Add(-2 * time.Hour)),
	}
	d := e.MakeDecision(Context{Profile: readyProfile(), Moment: moment, Recent: recent, Now: midnight})
	assert.True(t, d.ShouldIntervene, d.Reason)
}

func TestInterventionTypeFor(t *testing.T) {
	tests := map[behavior.MomentType]behavior.InterventionType{
		behavior.MomentRepeatPurchase:          behavior.ImmediateMirror,
		behavior.MomentPatternMatch:            behavior.PatternReflection,
		behavior.MomentThresholdCrossed:        behavior.ImmediateMirror,
		behavior.MomentTimePattern:             behavior.PatternReflection,
		behavior.MomentRelapseAfterImprovement: behavior.Reinforcement,
		"SOMETHING_NEW":                        behavior.ImmediateMirror,
		"":                                     behavior.ImmediateMirror,
	}
	for m, want := range tests {
		assert.Equal(t, want, InterventionTypeFor(m), string(m))
	}
}

func TestCounters(t *testing.T) {
	recent := []behavior.Intervention{
		delivered(now.Add(-time.Hour)),
		delivered(now.Add(-20 * time.Hour)),
		delivered(now.AddDate(0, 0, -6)),
		delivered(now.AddDate(0, 0, -8)),
		delivered(now.Add(time.Hour)),
	}
	assert.Equal(t, 1, CountToday(recent, now))
	assert.Equal(t, 3, CountTrailing(recent, now, 7*24*time.Hour))
}
