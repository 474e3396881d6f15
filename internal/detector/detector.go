// Package detector scans a user's transaction window and scores each tracked
// spending pattern. Every detector is a pure function of its Input: no I/O,
// no clock reads, no mutation of the caller's slices.
package detector

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/calibrator"
)

// Input is the snapshot a detection run reads.
type Input struct {
	Transactions []behavior.Transaction
	Existing     behavior.Confidences
	Seasonal     behavior.SeasonalFactors
	Now          time.Time
	// HoldDecay carries undetected confidences unchanged instead of
	// decaying them. Set when today's decay has already been applied.
	HoldDecay bool
}

// Results holds one DetectionResult per behavior type.
type Results map[behavior.BehaviorType]behavior.DetectionResult

// Confidences folds the calibrated confidences back into profile form.
func (r Results) Confidences() behavior.Confidences {
	var c behavior.Confidences
	for b, res := range r {
		c = c.With(b, res.Confidence)
	}
	return c
}

// Detector runs the three behavior detectors against one configuration.
type Detector struct {
	cfg     behavior.Config
	cal     *calibrator.Calibrator
	comfort map[string]struct{}
}

// New creates a Detector.
func New(cfg behavior.Config) *Detector {
	comfort := make(map[string]struct{}, len(cfg.Stress.ComfortCategories))
	for _, c := range cfg.Stress.ComfortCategories {
		comfort[strings.ToLower(c)] = struct{}{}
	}
	return &Detector{cfg: cfg, cal: calibrator.New(cfg), comfort: comfort}
}

// Calibrator exposes the calibrator the detector smooths with.
func (d *Detector) Calibrator() *calibrator.Calibrator {
	return d.cal
}

// DetectAll runs every detector.
func (d *Detector) DetectAll(in Input) Results {
	return Results{
		behavior.SmallRecurring: d.DetectSmallRecurring(in),
		behavior.StressSpending: d.DetectStressSpending(in),
		behavior.EndOfMonth:     d.DetectEndOfMonth(in),
	}
}

// DetectSmallRecurring looks for many small purchases concentrated in one
// category, weighted by frequency, total spend and same-hour habituality.
func (d *Detector) DetectSmallRecurring(in Input) behavior.DetectionResult {
	p := d.cfg.SmallRecurring
	since := in.Now.Add(-behavior.Days(p.LookbackDays))

	var small []behavior.Transaction
	for _, tx := range in.Transactions {
		if inWindow(tx, since, in.Now) && d.isSmallExpense(tx) {
			small = append(small, tx)
		}
	}
	existing := in.Existing.SmallRecurring
	if len(small) < p.MinCount {
		return d.miss(behavior.SmallRecurring, existing, in, map[string]any{
			"reason": "insufficient_transactions",
			"count":  len(small),
		})
	}

	// First category to reach the running maximum wins ties.
	byCategory := make(map[string]int)
	dominant, dominantCount := "", 0
	byHour := make(map[int]int)
	maxSameHour := 0
	total := 0.0
	for _, tx := range small {
		byCategory[tx.CategoryID]++
		if n := byCategory[tx.CategoryID]; n > dominantCount {
			dominant, dominantCount = tx.CategoryID, n
		}
		h := tx.OccurredAt.Hour()
		byHour[h]++
		if byHour[h] > maxSameHour {
			maxSameHour = byHour[h]
		}
		total += tx.AbsAmount()
	}
	if dominantCount < p.CategoryMin {
		return d.miss(behavior.SmallRecurring, existing, in, map[string]any{
			"reason": "no_dominant_category",
			"count":  len(small),
		})
	}

	frequency := math.Min(1, float64(len(small)-p.MinCount+1)/float64(p.FrequencySpan))
	magnitude := math.Min(1, total/p.MagnitudeCap)
	habit := math.Min(1, float64(maxSameHour)/float64(p.HabitCap))
	raw := 0.40*frequency + 0.30*magnitude + 0.30*habit

	signals := make([]behavior.BehavioralSignal, 0, len(small))
	for _, tx := range small {
		strength := 0.5
		if tx.CategoryID == dominant {
			strength = 0.8
		}
		signals = append(signals, behavior.BehavioralSignal{
			Type:          behavior.SmallRecurring,
			Strength:      strength,
			TransactionID: tx.ID,
			TimeOfDay:     behavior.ClassifyHour(tx.OccurredAt.Hour()),
			CategoryID:    tx.CategoryID,
			Reason:        fmt.Sprintf("small purchase of $%.2f in %s", tx.AbsAmount(), tx.CategoryID),
		})
	}

	return d.hit(behavior.SmallRecurring, existing, raw, in, signals, map[string]any{
		"dominantCategory": dominant,
		"count":            len(small),
		"categoryCount":    dominantCount,
		"totalAmount":      total,
		"maxSameHour":      maxSameHour,
		"frequency":        frequency,
		"magnitude":        magnitude,
		"habituality":      habit,
	})
}

// DetectStressSpending looks for comfort-category purchases late at night or
// right after work, clustered close together in time.
func (d *Detector) DetectStressSpending(in Input) behavior.DetectionResult {
	p := d.cfg.Stress
	since := in.Now.Add(-behavior.Days(p.LookbackDays))

	var hits []behavior.Transaction
	for _, tx := range in.Transactions {
		if inWindow(tx, since, in.Now) && d.isStressExpense(tx) {
			hits = append(hits, tx)
		}
	}
	existing := in.Existing.StressSpending
	if len(hits) < p.MinOccurrences {
		return d.miss(behavior.StressSpending, existing, in, map[string]any{
			"reason": "insufficient_occurrences",
			"count":  len(hits),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].OccurredAt.Before(hits[j].OccurredAt)
	})

	signals := make([]behavior.BehavioralSignal, 0, len(hits))
	strengthSum := 0.0
	lateNight := 0
	for _, tx := range hits {
		strength, reason := p.PostWorkStrength, "post-work comfort purchase"
		if d.isLateNight(tx.OccurredAt.Hour()) {
			strength, reason = p.LateNightStrength, "late-night comfort purchase"
			lateNight++
		}
		strengthSum += strength
		signals = append(signals, behavior.BehavioralSignal{
			Type:          behavior.StressSpending,
			Strength:      strength,
			TransactionID: tx.ID,
			TimeOfDay:     behavior.ClassifyHour(tx.OccurredAt.Hour()),
			CategoryID:    tx.CategoryID,
			Reason:        fmt.Sprintf("%s in %s", reason, tx.CategoryID),
		})
	}

	window := behavior.Hours(p.ClusterWindowHours)
	pairs := 0
	for i := 1; i < len(hits); i++ {
		if hits[i].OccurredAt.Sub(hits[i-1].OccurredAt) <= window {
			pairs++
		}
	}
	n := len(hits)
	frequency := math.Min(1, float64(n)/float64(p.FrequencyCap))
	clustering := float64(pairs) / float64(n-1)
	meanStrength := strengthSum / float64(n)
	raw := 0.35*frequency + 0.30*clustering + 0.35*meanStrength

	return d.hit(behavior.StressSpending, existing, raw, in, signals, map[string]any{
		"count":        n,
		"lateNight":    lateNight,
		"postWork":     n - lateNight,
		"clusterPairs": pairs,
		"frequency":    frequency,
		"clustering":   clustering,
		"meanStrength": meanStrength,
	})
}

// DetectEndOfMonth compares the late-month daily spend rate against the
// early-month rate. Before the start day it is not evaluated and the
// existing confidence is carried unchanged.
func (d *Detector) DetectEndOfMonth(in Input) behavior.DetectionResult {
	p := d.cfg.EndOfMonth
	existing := in.Existing.EndOfMonth
	today := in.Now.Day()
	if today < p.StartDay {
		return behavior.DetectionResult{
			Behavior:   behavior.EndOfMonth,
			Confidence: d.cal.ClampConfidence(existing),
			Metadata:   map[string]any{"reason": "before_start_day", "evaluated": false},
		}
	}

	year, month, _ := in.Now.Date()
	loc := in.Now.Location()
	var (
		earlyTotal, lateTotal float64
		late                  []behavior.Transaction
	)
	for _, tx := range in.Transactions {
		if !tx.IsExpense() || tx.OccurredAt.After(in.Now) {
			continue
		}
		ty, tm, td := tx.OccurredAt.In(loc).Date()
		if ty != year || tm != month {
			continue
		}
		switch {
		case td <= p.EarlyBucketLastDay:
			earlyTotal += tx.AbsAmount()
		case td >= p.StartDay:
			lateTotal += tx.AbsAmount()
			late = append(late, tx)
		}
	}

	earlyRate := earlyTotal / float64(p.EarlyBucketLastDay)
	lateDays := today - p.EarlyBucketLastDay
	lateRate := lateTotal / float64(lateDays)
	meta := map[string]any{
		"evaluated":    true,
		"earlyRate":    earlyRate,
		"lateRate":     lateRate,
		"lateCount":    len(late),
		"earlyTotal":   earlyTotal,
		"lateTotal":    lateTotal,
		"daysIntoLate": lateDays,
		"daysInMonth":  daysIn(year, month, loc),
	}
	if len(late) < p.MinLateTransactions {
		meta["reason"] = "insufficient_late_transactions"
		return d.miss(behavior.EndOfMonth, existing, in, meta)
	}
	if earlyRate <= 0 {
		meta["reason"] = "no_early_baseline"
		return d.miss(behavior.EndOfMonth, existing, in, meta)
	}
	ratio := lateRate / earlyRate
	meta["spikeRatio"] = ratio
	if ratio < p.SpikeThreshold {
		meta["reason"] = "below_spike_threshold"
		return d.miss(behavior.EndOfMonth, existing, in, meta)
	}

	magnitude := math.Min(1, (ratio-1)/p.SpikeCap)
	volume := math.Min(1, float64(len(late))/float64(p.LateCountCap))
	lateSpan := daysIn(year, month, loc) - p.EarlyBucketLastDay
	progress := 1.0
	if lateSpan > 0 {
		progress = math.Min(1, float64(lateDays)/float64(lateSpan))
	}
	raw := 0.50*magnitude + 0.30*volume + 0.20*progress
	meta["magnitude"] = magnitude
	meta["volume"] = volume
	meta["progress"] = progress

	signals := make([]behavior.BehavioralSignal, 0, len(late))
	for _, tx := range late {
		signals = append(signals, behavior.BehavioralSignal{
			Type:          behavior.EndOfMonth,
			Strength:      math.Min(1, tx.AbsAmount()/(2*earlyRate)),
			TransactionID: tx.ID,
			TimeOfDay:     behavior.ClassifyHour(tx.OccurredAt.Hour()),
			CategoryID:    tx.CategoryID,
			Reason:        fmt.Sprintf("late-month spend of $%.2f (%.1fx early daily rate)", tx.AbsAmount(), ratio),
		})
	}
	return d.hit(behavior.EndOfMonth, existing, raw, in, signals, meta)
}

// IsSignalBearing reports whether tx is the kind of transaction detector b
// counts as evidence, ignoring lookback windows and thresholds. Calendar
// days are read in loc, the same location DetectEndOfMonth buckets in.
func (d *Detector) IsSignalBearing(b behavior.BehaviorType, tx behavior.Transaction, loc *time.Location) bool {
	switch b {
	case behavior.SmallRecurring:
		return d.isSmallExpense(tx)
	case behavior.StressSpending:
		return d.isStressExpense(tx)
	case behavior.EndOfMonth:
		return tx.IsExpense() && tx.OccurredAt.In(loc).Day() >= d.cfg.EndOfMonth.StartDay
	}
	return false
}

func (d *Detector) hit(b behavior.BehaviorType, existing, raw float64, in Input, signals []behavior.BehavioralSignal, meta map[string]any) behavior.DetectionResult {
	return behavior.DetectionResult{
		Behavior:      b,
		Detected:      true,
		Confidence:    d.cal.Calibrate(existing, raw, in.Seasonal, in.Now),
		RawConfidence: raw,
		Signals:       signals,
		Metadata:      meta,
	}
}

func (d *Detector) miss(b behavior.BehaviorType, existing float64, in Input, meta map[string]any) behavior.DetectionResult {
	conf := d.cal.Decay(existing)
	if in.HoldDecay {
		conf = d.cal.ClampConfidence(existing)
	}
	return behavior.DetectionResult{
		Behavior:   b,
		Confidence: conf,
		Metadata:   meta,
	}
}

func (d *Detector) isSmallExpense(tx behavior.Transaction) bool {
	return tx.IsExpense() && tx.AbsAmount() <= d.cfg.SmallRecurring.SmallMax
}

func (d *Detector) isStressExpense(tx behavior.Transaction) bool {
	if !tx.IsExpense() {
		return false
	}
	if _, ok := d.comfort[strings.ToLower(tx.CategoryID)]; !ok {
		return false
	}
	h := tx.OccurredAt.Hour()
	return d.isLateNight(h) || d.isPostWork(h)
}

func (d *Detector) isLateNight(hour int) bool {
	p := d.cfg.Stress
	return hour >= p.LateNightStart || hour < p.LateNightEnd
}

func (d *Detector) isPostWork(hour int) bool {
	p := d.cfg.Stress
	return hour >= p.PostWorkStart && hour < p.PostWorkEnd
}

// inWindow is (since, now]; future-dated rows are ignored.
func inWindow(tx behavior.Transaction, since, now time.Time) bool {
	return tx.OccurredAt.After(since) && !tx.OccurredAt.After(now)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
