// Package calibrator turns raw detector scores into persisted confidences:
// exponential smoothing against the previous value, seasonal discounting,
// and clamping to the configured floor and ceiling. It also recalibrates a
// user's seasonal factor table from spending history.
package calibrator

import (
	"math"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
)

// Calibrator is stateless apart from its configuration.
type Calibrator struct {
	cfg behavior.Config
}

// New creates a calibrator for the given configuration.
func New(cfg behavior.Config) *Calibrator {
	return &Calibrator{cfg: cfg}
}

// ClampConfidence bounds x to [MinConfidence, Ceiling]. NaN maps to the floor.
func (c *Calibrator) ClampConfidence(x float64) float64 {
	t := c.cfg.Thresholds
	if math.IsNaN(x) || x < t.MinConfidence {
		return t.MinConfidence
	}
	if x > t.Ceiling {
		return t.Ceiling
	}
	return x
}

// Smooth blends a raw score into the existing confidence. A user with no
// prior confidence takes the raw score as is.
func (c *Calibrator) Smooth(existing, raw float64) float64 {
	if existing <= 0 {
		return raw
	}
	alpha := c.cfg.Thresholds.SmoothingAlpha
	return existing*alpha + raw*(1-alpha)
}

// Decay lowers an undetected behavior's confidence by DailyDecay and clamps.
// Repeated misses walk the confidence down to the floor, never straight to it.
func (c *Calibrator) Decay(existing float64) float64 {
	return c.ClampConfidence(existing - c.cfg.Thresholds.DailyDecay)
}

// GetSeasonalFactor returns month factor × weekday factor, times the holiday
// factor inside the holiday window. Missing or non-positive entries count as
// neutral.
func (c *Calibrator) GetSeasonalFactor(f behavior.SeasonalFactors, at time.Time) float64 {
	month := f.Month[at.Month()-1]
	if month <= 0 {
		month = 1.0
	}
	weekday := f.Weekday[at.Weekday()]
	if weekday <= 0 {
		weekday = 1.0
	}
	factor := month * weekday
	if f.HolidayBoost && InHolidayWindow(at) {
		factor *= c.cfg.Seasonal.HolidayFactor
	}
	return factor
}

// ApplySeasonalAdjustment discounts a confidence during periods when higher
// spending is expected.
func (c *Calibrator) ApplySeasonalAdjustment(raw float64, f behavior.SeasonalFactors, at time.Time) float64 {
	factor := c.GetSeasonalFactor(f, at)
	if factor <= 0 {
		return raw
	}
	return raw / factor
}

// Calibrate runs the full pipeline for a detected behavior: smooth against
// existing, divide by the seasonal factor, clamp.
func (c *Calibrator) Calibrate(existing, raw float64, f behavior.SeasonalFactors, at time.Time) float64 {
	smoothed := c.Smooth(existing, raw)
	return c.ClampConfidence(c.ApplySeasonalAdjustment(smoothed, f, at))
}

// CalibrateSeasonalFactors recomputes the factor table from expense history.
// Each month and weekday factor is that period's average absolute expense
// divided by the overall average, clamped to the configured bounds; periods
// with no expenses stay neutral. With less than MinHistoryDays of history the
// existing table is returned unchanged and ok is false.
func (c *Calibrator) CalibrateSeasonalFactors(txs []behavior.Transaction, existing behavior.SeasonalFactors) (behavior.SeasonalFactors, bool) {
	var (
		first, last  time.Time
		total        float64
		count        int
		monthSum     [12]float64
		monthCount   [12]int
		weekdaySum   [7]float64
		weekdayCount [7]int
	)
	for _, tx := range txs {
		if !tx.IsExpense() {
			continue
		}
		if count == 0 || tx.OccurredAt.Before(first) {
			first = tx.OccurredAt
		}
		if count == 0 || tx.OccurredAt.After(last) {
			last = tx.OccurredAt
		}
		amt := tx.AbsAmount()
		total += amt
		count++
		m := tx.OccurredAt.Month() - 1
		monthSum[m] += amt
		monthCount[m]++
		d := tx.OccurredAt.Weekday()
		weekdaySum[d] += amt
		weekdayCount[d]++
	}

	sp := c.cfg.Seasonal
	if count == 0 || last.Sub(first) < behavior.Days(sp.MinHistoryDays) {
		return existing, false
	}

	overall := total / float64(count)
	if overall <= 0 {
		return existing, false
	}

	out := behavior.DefaultSeasonalFactors()
	for i := range out.Month {
		if monthCount[i] > 0 {
			avg := monthSum[i] / float64(monthCount[i])
			out.Month[i] = clamp(avg/overall, sp.MonthMin, sp.MonthMax)
		}
	}
	for i := range out.Weekday {
		if weekdayCount[i] > 0 {
			avg := weekdaySum[i] / float64(weekdayCount[i])
			out.Weekday[i] = clamp(avg/overall, sp.WeekdayMin, sp.WeekdayMax)
		}
	}
	out.HolidayBoost = true
	return out, true
}

// InHolidayWindow reports whether t falls between November 15 and January 5
// inclusive.
func InHolidayWindow(t time.Time) bool {
	switch t.Month() {
	case time.November:
		return t.Day() >= 15
	case time.December:
		return true
	case time.January:
		return t.Day() <= 5
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
