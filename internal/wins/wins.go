// Package wins detects positive behavior change (streak milestones, pattern
// breaks) and reversion after a win (relapse).
package wins

import (
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/catalog"
	"github.com/mbd888/nudge/internal/detector"
)

// WinResult is the outcome of DetectWin.
type WinResult struct {
	HasWin          bool             `json:"hasWin"`
	Type            behavior.WinType `json:"winType,omitempty"`
	ShouldCelebrate bool             `json:"shouldCelebrate"`
	Streak          int              `json:"streak,omitempty"`
	Reduction       float64          `json:"reduction,omitempty"`
	Message         catalog.Message  `json:"message"`
	Reason          string           `json:"reason,omitempty"`
}

// RelapseResult is the outcome of DetectRelapse.
type RelapseResult struct {
	IsRelapse    bool                     `json:"isRelapse"`
	Severity     behavior.RelapseSeverity `json:"severity,omitempty"`
	Increase     float64                  `json:"increase"`
	ZeroBaseline bool                     `json:"zeroBaseline,omitempty"`
	TrailingWeek int                      `json:"trailingWeek"`
	PriorWeek    int                      `json:"priorWeek"`
	Message      catalog.Message          `json:"message"`
}

// Detector evaluates wins and relapses.
type Detector struct {
	cfg behavior.Config
	det *detector.Detector
}

// New creates a Detector that classifies transactions with det.
func New(cfg behavior.Config, det *detector.Detector) *Detector {
	return &Detector{cfg: cfg, det: det}
}

// DetectWin checks, in order, for a streak milestone and a pattern break on
// the active behavior. At most one win is reported per 24 hours.
func (d *Detector) DetectWin(p *behavior.Profile, txs []behavior.Transaction, now time.Time) WinResult {
	if p == nil || p.ActiveBehavior == behavior.BehaviorNone {
		return WinResult{Reason: "no active behavior"}
	}
	if len(txs) == 0 {
		return WinResult{Reason: "no transactions"}
	}
	if p.LastWinAt != nil && now.Sub(*p.LastWinAt) < 24*time.Hour {
		return WinResult{Reason: "win already recorded today"}
	}

	b := p.ActiveBehavior
	for _, m := range d.cfg.Wins.StreakMilestones {
		if p.CurrentStreak == m {
			return WinResult{
				HasWin:          true,
				Type:            behavior.WinStreakMilestone,
				ShouldCelebrate: true,
				Streak:          m,
				Message:         catalog.Win(behavior.WinStreakMilestone, b, m, 0),
			}
		}
	}

	trailing, prior := d.weekCounts(b, txs, now)
	if prior > 0 {
		reduction := float64(prior-trailing) / float64(prior)
		if reduction >= d.cfg.Wins.PatternBreakReduction {
			return WinResult{
				HasWin:          true,
				Type:            behavior.WinPatternBreak,
				ShouldCelebrate: reduction >= d.cfg.Wins.CelebrateReduction,
				Reduction:       reduction,
				Message:         catalog.Win(behavior.WinPatternBreak, b, 0, reduction),
			}
		}
	}
	return WinResult{Reason: "no milestone or pattern break"}
}

// DetectRelapse compares the trailing week with the week before for b. It
// only applies within RelapseWindowDays of the last win.
func (d *Detector) DetectRelapse(p *behavior.Profile, b behavior.BehaviorType, txs []behavior.Transaction, now time.Time) RelapseResult {
	w := d.cfg.Wins
	if p == nil || p.LastWinAt == nil || now.Sub(*p.LastWinAt) > behavior.Days(w.RelapseWindowDays) {
		return RelapseResult{}
	}
	trailing, prior := d.weekCounts(b, txs, now)
	res := RelapseResult{TrailingWeek: trailing, PriorWeek: prior}

	if prior == 0 {
		if trailing < w.RelapseZeroBaselineMin {
			return res
		}
		res.ZeroBaseline = true
		res.Severity = behavior.SeveritySevere
	} else {
		res.Increase = float64(trailing-prior) / float64(prior)
		switch {
		case res.Increase > w.RelapseSevere:
			res.Severity = behavior.SeveritySevere
		case res.Increase >= w.RelapseModerate:
			res.Severity = behavior.SeverityModerate
		case res.Increase >= w.RelapseMild:
			res.Severity = behavior.SeverityMild
		default:
			return res
		}
	}
	res.IsRelapse = true
	res.Message = catalog.Relapse(res.Severity, trailing)
	return res
}

// CleanStreak is the number of whole days since the active behavior's most
// recent signal-bearing transaction. With none in txs the streak runs from
// profile creation.
func (d *Detector) CleanStreak(p *behavior.Profile, txs []behavior.Transaction, now time.Time) int {
	if p == nil || p.ActiveBehavior == behavior.BehaviorNone {
		return 0
	}
	last := p.CreatedAt
	for _, tx := range txs {
		if tx.OccurredAt.After(now) || !d.det.IsSignalBearing(p.ActiveBehavior, tx, now.Location()) {
			continue
		}
		if tx.OccurredAt.After(last) {
			last = tx.OccurredAt
		}
	}
	if !now.After(last) {
		return 0
	}
	return int(now.Sub(last) / (24 * time.Hour))
}

// ApplyStreak returns a copy of p with the streak counters updated.
func ApplyStreak(p *behavior.Profile, streak int) *behavior.Profile {
	out := p.Clone()
	out.CurrentStreak = streak
	if streak > out.LongestStreak {
		out.LongestStreak = streak
	}
	return out
}

// ApplyWin returns a copy of p with the win recorded.
func ApplyWin(p *behavior.Profile, w WinResult, now time.Time) *behavior.Profile {
	out := p.Clone()
	if w.HasWin {
		out.LastWinAt = behavior.TimePtr(now)
		out.UpdatedAt = now
	}
	return out
}

// weekCounts returns signal-bearing counts for (now-7d, now] and
// (now-14d, now-7d].
func (d *Detector) weekCounts(b behavior.BehaviorType, txs []behavior.Transaction, now time.Time) (trailing, prior int) {
	week := behavior.Days(7)
	weekAgo, twoWeeksAgo := now.Add(-week), now.Add(-2*week)
	for _, tx := range txs {
		at := tx.OccurredAt
		if at.After(now) || !d.det.IsSignalBearing(b, tx, now.Location()) {
			continue
		}
		switch {
		case at.After(weekAgo):
			trailing++
		case at.After(twoWeeksAgo):
			prior++
		}
	}
	return trailing, prior
}
