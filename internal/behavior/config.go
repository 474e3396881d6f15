package behavior

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the confidence levels that drive state transitions and
// intervention gating.
type Thresholds struct {
	Activation     float64 `yaml:"activation"`
	Deactivation   float64 `yaml:"deactivation"`
	Intervention   float64 `yaml:"intervention"`
	MinConfidence  float64 `yaml:"min_confidence"`
	Ceiling        float64 `yaml:"ceiling"`
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	DailyDecay     float64 `yaml:"daily_decay"`
}

// Limits bound how often and for how long the user may be interrupted.
type Limits struct {
	MaxPerDay               int `yaml:"max_per_day"`
	MaxPerWeek              int `yaml:"max_per_week"`
	CooldownHours           int `yaml:"cooldown_hours"`
	WithdrawalDays          int `yaml:"withdrawal_days"`
	AnnoyanceWithdrawalDays int `yaml:"annoyance_withdrawal_days"`
	IgnoredThreshold        int `yaml:"ignored_threshold"`
	DismissedThreshold      int `yaml:"dismissed_threshold"`
	IgnoredCooldownHours    int `yaml:"ignored_cooldown_hours"`
	DismissedCooldownHours  int `yaml:"dismissed_cooldown_hours"`
	ReduceFrequencyHours    int `yaml:"reduce_frequency_hours"`
	RapidDismissCount       int `yaml:"rapid_dismiss_count"`
	RapidDismissWindowHours int `yaml:"rapid_dismiss_window_hours"`
	RecentInterventionDays  int `yaml:"recent_intervention_days"`
	TransactionLookbackDays int `yaml:"transaction_lookback_days"`
	ConfidenceHistoryCap    int `yaml:"confidence_history_cap"`
}

// SmallRecurringParams tunes the small recurring purchase detector.
type SmallRecurringParams struct {
	LookbackDays  int     `yaml:"lookback_days"`
	SmallMax      float64 `yaml:"small_max"`
	MinCount      int     `yaml:"min_count"`
	CategoryMin   int     `yaml:"category_min"`
	FrequencySpan int     `yaml:"frequency_span"`
	MagnitudeCap  float64 `yaml:"magnitude_cap"`
	HabitCap      int     `yaml:"habit_cap"`
}

// StressParams tunes the stress spending detector.
type StressParams struct {
	LookbackDays       int      `yaml:"lookback_days"`
	ComfortCategories  []string `yaml:"comfort_categories"`
	LateNightStart     int      `yaml:"late_night_start"`
	LateNightEnd       int      `yaml:"late_night_end"`
	PostWorkStart      int      `yaml:"post_work_start"`
	PostWorkEnd        int      `yaml:"post_work_end"`
	LateNightStrength  float64  `yaml:"late_night_strength"`
	PostWorkStrength   float64  `yaml:"post_work_strength"`
	MinOccurrences     int      `yaml:"min_occurrences"`
	ClusterWindowHours int      `yaml:"cluster_window_hours"`
	FrequencyCap       int      `yaml:"frequency_cap"`
}

// EndOfMonthParams tunes the end-of-month spike detector.
type EndOfMonthParams struct {
	StartDay            int     `yaml:"start_day"`
	EarlyBucketLastDay  int     `yaml:"early_bucket_last_day"`
	SpikeThreshold      float64 `yaml:"spike_threshold"`
	SpikeCap            float64 `yaml:"spike_cap"`
	LateCountCap        int     `yaml:"late_count_cap"`
	MinLateTransactions int     `yaml:"min_late_transactions"`
}

// SeasonalParams bounds the calibrated seasonal factors.
type SeasonalParams struct {
	MinHistoryDays  int     `yaml:"min_history_days"`
	MonthMin        float64 `yaml:"month_min"`
	MonthMax        float64 `yaml:"month_max"`
	WeekdayMin      float64 `yaml:"weekday_min"`
	WeekdayMax      float64 `yaml:"weekday_max"`
	HolidayFactor   float64 `yaml:"holiday_factor"`
	RecalibrateDays int     `yaml:"recalibrate_days"`
}

// WinParams tunes win and relapse detection.
type WinParams struct {
	StreakMilestones       []int   `yaml:"streak_milestones"`
	PatternBreakReduction  float64 `yaml:"pattern_break_reduction"`
	CelebrateReduction     float64 `yaml:"celebrate_reduction"`
	RelapseWindowDays      int     `yaml:"relapse_window_days"`
	RelapseMild            float64 `yaml:"relapse_mild"`
	RelapseModerate        float64 `yaml:"relapse_moderate"`
	RelapseSevere          float64 `yaml:"relapse_severe"`
	RelapseZeroBaselineMin int     `yaml:"relapse_zero_baseline_min"`
}

// FrictionParams tunes the in-session friction detectors and the
// upgrade-prompt decision.
type FrictionParams struct {
	ManualCategorizationMin int     `yaml:"manual_categorization_min"`
	LockedFeatureMin        int     `yaml:"locked_feature_min"`
	BudgetLimitMin          int     `yaml:"budget_limit_min"`
	ExportAttemptMin        int     `yaml:"export_attempt_min"`
	NavigationLoopMin       int     `yaml:"navigation_loop_min"`
	NavigationLoopSeconds   int     `yaml:"navigation_loop_seconds"`
	UpgradeConfidence       float64 `yaml:"upgrade_confidence"`
	PromptCooldownHours     int     `yaml:"prompt_cooldown_hours"`
	MaxPromptsPerWeek       int     `yaml:"max_prompts_per_week"`
}

// Config is the complete, immutable tuning table. It is passed by value into
// every detector and engine call.
type Config struct {
	Thresholds     Thresholds           `yaml:"thresholds"`
	Limits         Limits               `yaml:"limits"`
	SmallRecurring SmallRecurringParams `yaml:"small_recurring"`
	Stress         StressParams         `yaml:"stress_spending"`
	EndOfMonth     EndOfMonthParams     `yaml:"end_of_month"`
	Seasonal       SeasonalParams       `yaml:"seasonal"`
	Wins           WinParams            `yaml:"wins"`
	Friction       FrictionParams       `yaml:"friction"`
}

// DefaultConfig returns the production thresholds and limits.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			Activation:     0.65,
			Deactivation:   0.40,
			Intervention:   0.70,
			MinConfidence:  0.01,
			Ceiling:        0.95,
			SmoothingAlpha: 0.70,
			DailyDecay:     0.05,
		},
		Limits: Limits{
			MaxPerDay:               2,
			MaxPerWeek:              5,
			CooldownHours:           24,
			WithdrawalDays:          7,
			AnnoyanceWithdrawalDays: 14,
			IgnoredThreshold:        3,
			DismissedThreshold:      3,
			IgnoredCooldownHours:    24,
			DismissedCooldownHours:  12,
			ReduceFrequencyHours:    24,
			RapidDismissCount:       3,
			RapidDismissWindowHours: 24,
			RecentInterventionDays:  7,
			TransactionLookbackDays: 90,
			ConfidenceHistoryCap:    30,
		},
		SmallRecurring: SmallRecurringParams{
			LookbackDays:  30,
			SmallMax:      15.00,
			MinCount:      5,
			CategoryMin:   3,
			FrequencySpan: 10,
			MagnitudeCap:  150.00,
			HabitCap:      5,
		},
		Stress: StressParams{
			LookbackDays: 14,
			ComfortCategories: []string{
				"food_delivery", "fast_food", "alcohol", "online_shopping",
				"entertainment", "snacks", "gaming",
			},
			LateNightStart:     22,
			LateNightEnd:       3,
			PostWorkStart:      17,
			PostWorkEnd:        20,
			LateNightStrength:  0.9,
			PostWorkStrength:   0.7,
			MinOccurrences:     3,
			ClusterWindowHours: 24,
			FrequencyCap:       10,
		},
		EndOfMonth: EndOfMonthParams{
			StartDay:            21,
			EarlyBucketLastDay:  20,
			SpikeThreshold:      1.5,
			SpikeCap:            2.0,
			LateCountCap:        10,
			MinLateTransactions: 2,
		},
		Seasonal: SeasonalParams{
			MinHistoryDays:  90,
			MonthMin:        0.7,
			MonthMax:        1.5,
			WeekdayMin:      0.8,
			WeekdayMax:      1.4,
			HolidayFactor:   1.2,
			RecalibrateDays: 30,
		},
		Wins: WinParams{
			StreakMilestones:       []int{3, 7, 14, 30, 60, 90},
			PatternBreakReduction:  0.50,
			CelebrateReduction:     0.75,
			RelapseWindowDays:      30,
			RelapseMild:            0.30,
			RelapseModerate:        0.50,
			RelapseSevere:          1.00,
			RelapseZeroBaselineMin: 2,
		},
		Friction: FrictionParams{
			ManualCategorizationMin: 5,
			LockedFeatureMin:        2,
			BudgetLimitMin:          1,
			ExportAttemptMin:        2,
			NavigationLoopMin:       6,
			NavigationLoopSeconds:   300,
			UpgradeConfidence:       0.60,
			PromptCooldownHours:     72,
			MaxPromptsPerWeek:       2,
		},
	}
}

// Validate checks the ordering invariants the engine relies on.
func (c Config) Validate() error {
	t := c.Thresholds
	if !(t.MinConfidence > 0 && t.MinConfidence < t.Deactivation) {
		return fmt.Errorf("min_confidence must be in (0, deactivation)")
	}
	if t.Deactivation >= t.Activation {
		return fmt.Errorf("deactivation %.2f must be below activation %.2f", t.Deactivation, t.Activation)
	}
	if t.Activation > t.Ceiling || t.Intervention > t.Ceiling {
		return fmt.Errorf("activation and intervention thresholds must not exceed the ceiling")
	}
	if t.Ceiling >= 1.0 {
		return fmt.Errorf("ceiling must be strictly below 1.0")
	}
	if t.SmoothingAlpha < 0 || t.SmoothingAlpha >= 1 {
		return fmt.Errorf("smoothing_alpha must be in [0, 1)")
	}
	l := c.Limits
	if l.MaxPerDay <= 0 || l.MaxPerWeek <= 0 {
		return fmt.Errorf("intervention limits must be positive")
	}
	if l.IgnoredThreshold <= 0 || l.DismissedThreshold <= 0 {
		return fmt.Errorf("failure thresholds must be positive")
	}
	if l.CooldownHours <= 0 || l.WithdrawalDays <= 0 {
		return fmt.Errorf("cooldown and withdrawal durations must be positive")
	}
	sr := c.SmallRecurring
	if sr.FrequencySpan <= 0 || sr.MagnitudeCap <= 0 || sr.HabitCap <= 0 {
		return fmt.Errorf("small_recurring frequency_span, magnitude_cap and habit_cap must be positive")
	}
	st := c.Stress
	if st.MinOccurrences < 2 {
		return fmt.Errorf("stress_spending min_occurrences must be at least 2")
	}
	if st.FrequencyCap <= 0 {
		return fmt.Errorf("stress_spending frequency_cap must be positive")
	}
	em := c.EndOfMonth
	if em.EarlyBucketLastDay < 1 || em.StartDay <= em.EarlyBucketLastDay {
		return fmt.Errorf("end_of_month start_day must follow a non-empty early bucket")
	}
	if em.SpikeCap <= 0 || em.LateCountCap <= 0 {
		return fmt.Errorf("end_of_month spike_cap and late_count_cap must be positive")
	}
	return nil
}

// Hours converts a whole number of hours to a Duration.
func Hours(h int) time.Duration {
	return time.Duration(h) * time.Hour
}

// Days converts a whole number of days to a Duration.
func Days(d int) time.Duration {
	return time.Duration(d) * 24 * time.Hour
}

// LoadConfigFile overlays the YAML document at path onto DefaultConfig and
// validates the result. Keys absent from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return cfg, fmt.Errorf("read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse thresholds file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid thresholds file: %w", err)
	}
	return cfg, nil
}
