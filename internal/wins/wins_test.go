package wins

import (
	"testing"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/detector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newDetector() *Detector {
	cfg := behavior.DefaultConfig()
	return New(cfg, detector.New(cfg))
}

func coffee(daysAgo int) behavior.Transaction {
	return behavior.Transaction{ID: "c", Amount: -4.5, CategoryID: "coffee", OccurredAt: now.Add(-time.Duration(daysAgo)*24*time.Hour + time.Hour)}
}

// weeks builds prior-week and trailing-week small purchases.
func weeks(prior, trailing int) []behavior.Transaction {
	var txs []behavior.Transaction
	for i := 0; i < prior; i++ {
		txs = append(txs, coffee(8+i%6))
	}
	for i := 0; i < trailing; i++ {
		txs = append(txs, coffee(1+i%6))
	}
	// Large purchases never count toward small_recurring.
	txs = append(txs, behavior.Transaction{ID: "tv", Amount: -900, CategoryID: "electronics", OccurredAt: now.Add(-48 * time.Hour)})
	return txs
}

func focused() *behavior.Profile {
	p := behavior.NewProfile("u1", now.AddDate(0, -3, 0))
	p.State = behavior.StateFocused
	p.ActiveBehavior = behavior.SmallRecurring
	return p
}

func TestDetectWin_Preconditions(t *testing.T) {
	d := newDetector()

	p := behavior.NewProfile("u1", now)
	assert.False(t, d.DetectWin(p, weeks(10, 1), now).HasWin)

	assert.False(t, d.DetectWin(focused(), nil, now).HasWin)

	recent := focused()
	recent.CurrentStreak = 7
	recent.LastWinAt = behavior.TimePtr(now.Add(-2 * time.Hour))
	assert.False(t, d.DetectWin(recent, weeks(10, 1), now).HasWin)
}

func TestDetectWin_StreakMilestone(t *testing.T) {
	d := newDetector()
	for _, streak := range []int{3, 7, 14, 30, 60, 90} {
		p := focused()
		p.CurrentStreak = streak
		w := d.DetectWin(p, weeks(4, 4), now)
		require.True(t, w.HasWin, "streak %d", streak)
		assert.Equal(t, behavior.WinStreakMilestone, w.Type)
		assert.True(t, w.ShouldCelebrate)
		assert.Equal(t, streak, w.Streak)
		assert.NotEmpty(t, w.Message.Text)
	}

	p := focused()
	p.CurrentStreak = 4
	assert.False(t, d.DetectWin(p, weeks(4, 4), now).HasWin)
}

func TestDetectWin_PatternBreak(t *testing.T) {
	d := newDetector()
	tests := []struct {
		name      string
		prior     int
		trailing  int
		win       bool
		celebrate bool
	}{
		{"half", 10, 5, true, false},
		{"quarter", 8, 2, true, true},
		{"all gone", 6, 0, true, true},
		{"not enough", 10, 6, false, false},
		{"no baseline", 0, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := d.DetectWin(focused(), weeks(tt.prior, tt.trailing), now)
			assert.Equal(t, tt.win, w.HasWin)
			assert.Equal(t, tt.celebrate, w.ShouldCelebrate)
			if tt.win {
				assert.Equal(t, behavior.WinPatternBreak, w.Type)
				assert.InDelta(t, float64(tt.prior-tt.trailing)/float64(tt.prior), w.Reduction, 1e-9)
			}
		})
	}
}

func TestDetectRelapse(t *testing.T) {
	d := newDetector()
	withWin := func(ago time.Duration) *behavior.Profile {
		p := focused()
		p.LastWinAt = behavior.TimePtr(now.Add(-ago))
		return p
	}

	tests := []struct {
		name     string
		prior    int
		trailing int
		severity behavior.RelapseSeverity
	}{
		{"flat", 10, 10, behavior.SeverityNone},
		{"below mild", 10, 12, behavior.SeverityNone},
		{"mild", 10, 13, behavior.SeverityMild},
		{"moderate lower bound", 10, 15, behavior.SeverityModerate},
		{"moderate upper bound", 10, 20, behavior.SeverityModerate},
		{"severe", 10, 21, behavior.SeveritySevere},
		{"zero baseline", 0, 2, behavior.SeveritySevere},
		{"zero baseline single", 0, 1, behavior.SeverityNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.DetectRelapse(withWin(10*24*time.Hour), behavior.SmallRecurring, weeks(tt.prior, tt.trailing), now)
			assert.Equal(t, tt.severity, r.Severity)
			assert.Equal(t, tt.severity != behavior.SeverityNone, r.IsRelapse)
			if r.IsRelapse {
				assert.NotEmpty(t, r.Message.Text)
			}
			assert.Equal(t, tt.prior, r.PriorWeek)
			assert.Equal(t, tt.trailing, r.TrailingWeek)
		})
	}

	stale := d.DetectRelapse(withWin(31*24*time.Hour), behavior.SmallRecurring, weeks(1, 10), now)
	assert.False(t, stale.IsRelapse)
	assert.False(t, d.DetectRelapse(focused(), behavior.SmallRecurring, weeks(1, 10), now).IsRelapse)
}

func TestCleanStreak(t *testing.T) {
	d := newDetector()
	p := focused()

	txs := []behavior.Transaction{coffee(9), coffee(4)}
	// coffee(4) happened 4 days minus an hour ago.
	assert.Equal(t, 3, d.CleanStreak(p, txs, now))

	assert.Equal(t, 0, d.CleanStreak(p, []behavior.Transaction{{Amount: -3, CategoryID: "coffee", OccurredAt: now.Add(-time.Hour)}}, now))

	fresh := behavior.NewProfile("u2", now.Add(-50*time.Hour))
	fresh.ActiveBehavior = behavior.SmallRecurring
	assert.Equal(t, 2, d.CleanStreak(fresh, nil, now))

	assert.Equal(t, 0, d.CleanStreak(behavior.NewProfile("u3", now.AddDate(0, 0, -10)), nil, now))
}

func TestApply(t *testing.T) {
	p := focused()
	p.LongestStreak = 5

	next := ApplyStreak(p, 3)
	assert.Equal(t, 3, next.CurrentStreak)
	assert.Equal(t, 5, next.LongestStreak)
	next = ApplyStreak(next, 8)
	assert.Equal(t, 8, next.LongestStreak)
	assert.Equal(t, 0, p.CurrentStreak)

	won := ApplyWin(p, WinResult{HasWin: true}, now)
	require.NotNil(t, won.LastWinAt)
	assert.Equal(t, now, *won.LastWinAt)
	assert.Nil(t, ApplyWin(p, WinResult{}, now).LastWinAt)
	assert.Nil(t, p.LastWinAt)
}
