package nudge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/catalog"
	"github.com/mbd888/nudge/internal/decision"
	"github.com/mbd888/nudge/internal/detector"
	"github.com/mbd888/nudge/internal/failure"
	"github.com/mbd888/nudge/internal/friction"
	"github.com/mbd888/nudge/internal/idgen"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/metrics"
	"github.com/mbd888/nudge/internal/pagination"
	"github.com/mbd888/nudge/internal/statemachine"
	"github.com/mbd888/nudge/internal/syncutil"
	"github.com/mbd888/nudge/internal/traces"
	"github.com/mbd888/nudge/internal/wins"
)

const (
	// seasonalHistoryDays is how much history recalibration reads.
	seasonalHistoryDays = 365

	// sweepBatch is the page size the tick sweep reads profiles in.
	sweepBatch = 100

	// maxWinsPage caps ListWins.
	maxWinsPage = 100
)

// Service runs the intervention engine against stored state.
type Service struct {
	store Store
	cfg   behavior.Config

	detector  *detector.Detector
	machine   *statemachine.Machine
	decisions *decision.Engine
	wins      *wins.Detector
	failures  *failure.Handler
	friction  *friction.Detector

	locks        *syncutil.UserLocks
	entitlements EntitlementChecker
	events       EventPublisher
	now          func() time.Time
}

// NewService creates a new intervention service.
func NewService(store Store, cfg behavior.Config) *Service {
	det := detector.New(cfg)
	return &Service{
		store:     store,
		cfg:       cfg,
		detector:  det,
		machine:   statemachine.New(cfg),
		decisions: decision.NewEngine(cfg),
		wins:      wins.New(cfg, det),
		failures:  failure.NewHandler(cfg),
		friction:  friction.New(cfg),
		locks:     syncutil.NewUserLocks(),
		now:       time.Now,
	}
}

// WithEntitlements sets the premium lookup used by EvaluateFriction.
func (s *Service) WithEntitlements(e EntitlementChecker) *Service {
	s.entitlements = e
	return s
}

// WithEvents sets the realtime publisher.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithClock overrides the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the thresholds the service was built with.
func (s *Service) Config() behavior.Config {
	return s.cfg
}

// CreateProfile creates the signup profile for a user.
func (s *Service) CreateProfile(ctx context.Context, userID string) (*behavior.Profile, error) {
	p := behavior.NewProfile(userID, s.now())
	if err := s.store.CreateProfile(ctx, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("profile created", "user_id", userID)
	return p, nil
}

// GetProfile returns a user's profile.
func (s *Service) GetProfile(ctx context.Context, userID string) (*behavior.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

// snapshot is everything one evaluation reads.
type snapshot struct {
	profile *behavior.Profile
	txs     []behavior.Transaction
	recent  []behavior.Intervention
}

// load reads the profile, the transaction window (when withTxs) and the
// recent intervention log concurrently.
func (s *Service) load(ctx context.Context, userID string, now time.Time, withTxs bool) (*snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, err := s.store.GetProfile(gctx, userID)
		if err != nil {
			return err
		}
		snap.profile = p
		return nil
	})
	if withTxs {
		g.Go(func() error {
			since := now.Add(-behavior.Days(s.cfg.Limits.TransactionLookbackDays))
			txs, err := s.store.ListTransactions(gctx, userID, since, now)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			snap.txs = txs
			return nil
		})
	}
	g.Go(func() error {
		since := now.Add(-behavior.Days(s.cfg.Limits.RecentInterventionDays))
		recent, err := s.store.ListRecentInterventions(gctx, userID, since)
		if err != nil {
			return fmt.Errorf("failed to list recent interventions: %w", err)
		}
		snap.recent = recent
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ProcessTrigger runs one evaluation for a user: detection, win and relapse
// bookkeeping, the state transition and the intervention decision. A
// delivered intervention moves the user straight into cooldown.
func (s *Service) ProcessTrigger(ctx context.Context, req TriggerRequest) (_ *Evaluation, retErr error) {
	if !req.Trigger.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, req.Trigger)
	}

	ctx, span := traces.StartSpan(ctx, "nudge.ProcessTrigger",
		traces.UserID(req.UserID), traces.Trigger(string(req.Trigger)))
	defer func() { traces.End(span, retErr, "process trigger failed") }()

	start := time.Now()
	defer func() { evaluationLatency.Observe(time.Since(start).Seconds()) }()

	unlock, err := s.locks.LockContext(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	snap, err := s.load(ctx, req.UserID, now, true)
	if err != nil {
		return nil, err
	}

	ev, win := s.evaluate(snap, req, now)

	if err := s.saveProfile(ctx, ev.Profile); err != nil {
		return nil, err
	}
	if ev.Intervention != nil {
		if err := s.store.CreateIntervention(ctx, ev.Intervention); err != nil {
			return nil, fmt.Errorf("failed to record intervention: %w", err)
		}
	}
	if win != nil {
		if err := s.store.CreateWin(ctx, win); err != nil {
			logging.L(ctx).Warn("failed to record win", "user_id", req.UserID, "error", err)
		}
	}

	s.report(ctx, ev)
	span.SetAttributes(traces.State(string(ev.Profile.State)))
	if b := ev.Profile.ActiveBehavior; b != behavior.BehaviorNone {
		span.SetAttributes(traces.Behavior(string(b)), traces.Confidence(ev.Profile.Confidences.Get(b)))
	}
	return ev, nil
}

// evaluate is the pure part of ProcessTrigger. It returns the evaluation and
// the win record to persist, if any.
func (s *Service) evaluate(snap *snapshot, req TriggerRequest, now time.Time) (*Evaluation, *behavior.BehavioralWin) {
	p := snap.profile
	ev := &Evaluation{UserID: req.UserID, Trigger: req.Trigger}

	if s.shouldDetect(p, req.Trigger, now) {
		res := s.detector.DetectAll(detector.Input{
			Transactions: snap.txs,
			Existing:     p.Confidences,
			Seasonal:     p.SeasonalFactors,
			Now:          now,
			HoldDecay:    !decayDue(p, now),
		})
		ev.Detections = res
		p = p.Clone()
		p.Confidences = res.Confidences()
		p.ConfidenceHistory = p.ConfidenceHistory.Append(behavior.ConfidenceSnapshot{
			At:          now,
			Confidences: p.Confidences,
		}, s.cfg.Limits.ConfidenceHistoryCap)
		p.UpdatedAt = now
	}

	var record *behavior.BehavioralWin
	if tracksProgress(req.Trigger) && p.ActiveBehavior != behavior.BehaviorNone {
		p = wins.ApplyStreak(p, s.wins.CleanStreak(p, snap.txs, now))

		relapse := s.wins.DetectRelapse(p, p.ActiveBehavior, snap.txs, now)
		if relapse.IsRelapse {
			ev.Relapse = &relapse
		} else if w := s.wins.DetectWin(p, snap.txs, now); w.HasWin {
			p = wins.ApplyWin(p, w, now)
			ev.Win = &w
			record = &behavior.BehavioralWin{
				ID:        idgen.WithPrefix("win_"),
				UserID:    p.UserID,
				Behavior:  p.ActiveBehavior,
				Type:      w.Type,
				Streak:    w.Streak,
				Reduction: w.Reduction,
				Message:   w.Message.Text,
				At:        now,
			}
		}
	}

	t := s.machine.Evaluate(p, req.Trigger, now)
	p = statemachine.Apply(p, t, now)
	// A user who just became FOCUSED still answers for earlier ignored or
	// dismissed interventions before anything is delivered.
	if t.To == behavior.StateFocused && t.From != behavior.StateFocused {
		if w := s.machine.Evaluate(p, req.Trigger, now); w.To == behavior.StateWithdrawn {
			p = statemachine.Apply(p, w, now)
			w.From = t.From
			t = w
		}
	}
	ev.Transition = t

	if req.Trigger != behavior.TriggerInterventionDelivered {
		d := s.decisions.MakeDecision(decision.Context{
			Profile: p,
			Moment:  req.Moment,
			Recent:  snap.recent,
			Now:     now,
		})
		ev.Decision = d

		if d.ShouldIntervene {
			msg := catalog.Intervention(d.Behavior, d.InterventionType, len(snap.recent))
			ev.Intervention = &behavior.Intervention{
				ID:          idgen.WithPrefix("iv_"),
				UserID:      p.UserID,
				Behavior:    d.Behavior,
				Type:        d.InterventionType,
				MessageKey:  msg.Key,
				Message:     msg.Text,
				Confidence:  d.Confidence,
				DeliveredAt: now,
			}
			delivered := s.machine.Evaluate(p, behavior.TriggerInterventionDelivered, now)
			p = statemachine.Apply(p, delivered, now)
			delivered.From = t.From
			ev.Transition = delivered
		}
	}

	ev.Profile = p
	return ev, record
}

// shouldDetect runs detection on every transaction and on the first
// scheduled tick of each day.
func (s *Service) shouldDetect(p *behavior.Profile, trigger behavior.TriggerEvent, now time.Time) bool {
	switch trigger {
	case behavior.TriggerTransaction:
		return true
	case behavior.TriggerScheduledTick:
		return decayDue(p, now)
	}
	return false
}

// decayDue reports whether no detection run has happened yet on now's
// calendar day, so undetected confidences decay at most once per day.
func decayDue(p *behavior.Profile, now time.Time) bool {
	if len(p.ConfidenceHistory) == 0 {
		return true
	}
	last := p.ConfidenceHistory[len(p.ConfidenceHistory)-1].At.In(now.Location())
	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	return ly != ny || lm != nm || ld != nd
}

func tracksProgress(t behavior.TriggerEvent) bool {
	return t == behavior.TriggerScheduledTick || t == behavior.TriggerTransaction
}

// saveProfile writes p with the version check.
func (s *Service) saveProfile(ctx context.Context, p *behavior.Profile) error {
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			versionConflicts.Inc()
		}
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// report emits metrics, logs and realtime events for a persisted evaluation.
func (s *Service) report(ctx context.Context, ev *Evaluation) {
	log := logging.L(ctx)
	triggersTotal.WithLabelValues(string(ev.Trigger)).Inc()

	if t := ev.Transition; t.Changed() {
		transitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
		log.Info("state transition",
			"user_id", ev.UserID, "from", t.From, "to", t.To,
			"behavior", t.ActiveBehavior, "reason", t.Reason)
		s.publish(EventStateChange, ev.UserID, t)
	}

	if ev.Trigger != behavior.TriggerInterventionDelivered {
		d := ev.Decision
		decisionsTotal.WithLabelValues(gateLabel(string(d.BlockedBy))).Inc()
		if !d.ShouldIntervene {
			log.Debug("intervention blocked", "user_id", ev.UserID, "gate", d.BlockedBy, "reason", d.Reason)
		}
		if ev.Trigger != behavior.TriggerScheduledTick {
			s.publish(EventDecision, ev.UserID, d)
		}
	}

	if iv := ev.Intervention; iv != nil {
		interventionsDelivered.WithLabelValues(string(iv.Behavior), string(iv.Type)).Inc()
		log.Info("intervention delivered",
			"user_id", ev.UserID, "intervention_id", iv.ID,
			"behavior", iv.Behavior, "type", iv.Type, "confidence", iv.Confidence)
		s.publish(EventIntervention, ev.UserID, iv)
	}

	if w := ev.Win; w != nil {
		winsTotal.WithLabelValues(string(w.Type)).Inc()
		log.Info("behavioral win", "user_id", ev.UserID, "type", w.Type, "streak", w.Streak)
		s.publish(EventWin, ev.UserID, w)
	}

	if r := ev.Relapse; r != nil {
		relapsesTotal.WithLabelValues(string(r.Severity)).Inc()
		log.Info("relapse detected", "user_id", ev.UserID, "severity", r.Severity,
			"trailing_week", r.TrailingWeek, "prior_week", r.PriorWeek)
		s.publish(EventRelapse, ev.UserID, r)
	}
}

func (s *Service) publish(eventType, userID string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, userID, data)
	}
}

// IngestTransactions stores new transactions for a user and evaluates a
// TRANSACTION trigger with the supplied moment.
func (s *Service) IngestTransactions(ctx context.Context, userID string, txs []behavior.Transaction, moment behavior.BehavioralMoment) (*Evaluation, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions", ErrInvalidTransaction)
	}
	clean := make([]behavior.Transaction, len(txs))
	for i, tx := range txs {
		if tx.UserID == "" {
			tx.UserID = userID
		}
		if err := validateTransaction(userID, tx); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if tx.ID == "" {
			tx.ID = idgen.WithPrefix("tx_")
		}
		clean[i] = tx
	}

	if _, err := s.store.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.AddTransactions(ctx, clean); err != nil {
		return nil, fmt.Errorf("failed to store transactions: %w", err)
	}
	return s.ProcessTrigger(ctx, TriggerRequest{
		UserID:  userID,
		Trigger: behavior.TriggerTransaction,
		Moment:  moment,
	})
}

func validateTransaction(userID string, tx behavior.Transaction) error {
	switch {
	case tx.UserID != userID:
		return fmt.Errorf("%w: belongs to another user", ErrInvalidTransaction)
	case tx.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurredAt is required", ErrInvalidTransaction)
	case math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) || tx.Amount == 0:
		return fmt.Errorf("%w: amount must be a non-zero finite number", ErrInvalidTransaction)
	}
	return nil
}

// RecordResponse attaches the user's response to a delivered intervention
// and runs the failure handler for ignored and dismissed responses. Rapid
// dismissals escalate to USER_ANNOYED.
func (s *Service) RecordResponse(ctx context.Context, userID, interventionID string, resp behavior.UserResponse) (_ *ResponseOutcome, retErr error) {
	if !resp.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResponse, resp)
	}

	ctx, span := traces.StartSpan(ctx, "nudge.RecordResponse",
		traces.UserID(userID), traces.InterventionID(interventionID))
	defer func() { traces.End(span, retErr, "record response failed") }()

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	if err := s.store.RecordResponse(ctx, userID, interventionID, resp, now); err != nil {
		return nil, err
	}
	responsesTotal.WithLabelValues(string(resp)).Inc()

	iv, err := s.store.GetIntervention(ctx, userID, interventionID)
	if err != nil {
		return nil, err
	}
	snap, err := s.load(ctx, userID, now, false)
	if err != nil {
		return nil, err
	}

	p := snap.profile
	out := &ResponseOutcome{Intervention: iv, Profile: p}

	var mode failure.Mode
	switch resp {
	case behavior.ResponseIgnored:
		p.IgnoredInterventions++
		mode = failure.ModeIgnored
	case behavior.ResponseDismissed:
		p.DismissedCount++
		mode = failure.ModeDismissed
	default:
		return out, nil
	}
	if a := s.failures.DetectAnnoyance(snap.recent, p, now); a != nil {
		out.Annoyance = a
		mode = failure.ModeAnnoyed
	}

	out.Profile = s.applyFailure(ctx, p, mode, now, out)
	if err := s.saveProfile(ctx, out.Profile); err != nil {
		return nil, err
	}
	s.reportStateChange(ctx, p, out.Profile, string(out.Failure.Action))
	return out, nil
}

// applyFailure runs the failure handler for mode and returns the updated
// profile, recording the handler's response on out.
func (s *Service) applyFailure(ctx context.Context, p *behavior.Profile, mode failure.Mode, now time.Time, out *ResponseOutcome) *behavior.Profile {
	r := s.failures.HandleFailure(mode, p)
	out.Failure = &r
	failureActions.WithLabelValues(string(r.Mode), string(r.Action)).Inc()
	logging.L(ctx).Info("failure handled",
		"user_id", p.UserID, "mode", r.Mode, "action", r.Action, "hours", r.DurationHours)
	return s.failures.CalculateNewState(p, r, now)
}

// reportStateChange logs and publishes a state change made outside the
// state machine.
func (s *Service) reportStateChange(ctx context.Context, before, after *behavior.Profile, reason string) {
	if before.State == after.State {
		return
	}
	transitionsTotal.WithLabelValues(string(before.State), string(after.State)).Inc()
	t := statemachine.Transition{
		From:             before.State,
		To:               after.State,
		ActiveBehavior:   after.ActiveBehavior,
		Reason:           reason,
		CooldownEndsAt:   after.CooldownEndsAt,
		WithdrawalEndsAt: after.WithdrawalEndsAt,
	}
	logging.L(ctx).Info("state transition", "user_id", after.UserID, "from", t.From, "to", t.To, "reason", t.Reason)
	s.publish(EventStateChange, after.UserID, t)
}

// UpdateSettings flips the intervention kill switch. Turning it off is read
// as annoyance and withdraws the user; turning it back on is a positive
// signal that ends a withdrawal.
func (s *Service) UpdateSettings(ctx context.Context, userID string, enabled bool) (*ResponseOutcome, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &ResponseOutcome{Profile: p}
	if p.InterventionEnabled == enabled {
		return out, nil
	}

	now := s.now()
	before := p.Clone()
	p.InterventionEnabled = enabled
	p.UpdatedAt = now

	reason := ""
	if enabled {
		if p.State == behavior.StateWithdrawn {
			t := s.machine.Evaluate(p, behavior.TriggerPositiveSignal, now)
			p = statemachine.Apply(p, t, now)
			reason = t.Reason
		}
		out.Profile = p
	} else {
		out.Annoyance = s.failures.DetectAnnoyance(nil, p, now)
		out.Profile = s.applyFailure(ctx, p, failure.ModeAnnoyed, now, out)
		reason = string(out.Failure.Action)
	}

	if err := s.saveProfile(ctx, out.Profile); err != nil {
		return nil, err
	}
	s.reportStateChange(ctx, before, out.Profile, reason)
	return out, nil
}

// MarkChurning resets a user who is about to churn: confidences, failure
// counters and the active behavior are cleared.
func (s *Service) MarkChurning(ctx context.Context, userID string) (*ResponseOutcome, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := &ResponseOutcome{}
	out.Profile = s.applyFailure(ctx, p, failure.ModeChurning, now, out)
	if err := s.saveProfile(ctx, out.Profile); err != nil {
		return nil, err
	}
	s.reportStateChange(ctx, p, out.Profile, string(out.Failure.Action))
	return out, nil
}

// EvaluateFriction decides whether the session's friction warrants an
// upgrade prompt. A failed entitlement lookup suppresses the prompt.
func (s *Service) EvaluateFriction(ctx context.Context, userID string, counters friction.SessionCounters) (*FrictionOutcome, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	premium := false
	if s.entitlements != nil {
		premium, err = s.entitlements.IsPremium(ctx, userID)
		if err != nil {
			logging.L(ctx).Warn("entitlement lookup failed, suppressing upgrade prompt",
				"user_id", userID, "error", err)
			premium = true
		}
	}

	now := s.now()
	d := s.friction.DecideUpgrade(friction.UpgradeContext{
		Counters:  counters,
		Premium:   premium,
		PromptsAt: p.UpgradePromptsAt,
		Now:       now,
	})
	out := &FrictionOutcome{Decision: d}
	if !d.ShouldPrompt {
		upgradePrompts.WithLabelValues("blocked_" + string(d.BlockedBy)).Inc()
		return out, nil
	}

	msg := catalog.UpgradePrompt(d.PromptKey)
	out.Prompt = &msg
	p.UpgradePromptsAt = recentPrompts(p.UpgradePromptsAt, now)
	p.UpgradePromptsAt = append(p.UpgradePromptsAt, now)
	p.UpdatedAt = now
	if err := s.saveProfile(ctx, p); err != nil {
		return nil, err
	}

	upgradePrompts.WithLabelValues(string(d.Friction)).Inc()
	logging.L(ctx).Info("upgrade prompt", "user_id", userID, "friction", d.Friction, "confidence", d.Confidence)
	s.publish(EventUpgradePrompt, userID, out)
	return out, nil
}

// recentPrompts drops prompt times older than a week; no gate looks further.
func recentPrompts(at []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-behavior.Days(7))
	out := make([]time.Time, 0, len(at)+1)
	for _, t := range at {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// ListInterventions returns one page of a user's intervention history,
// newest first.
func (s *Service) ListInterventions(ctx context.Context, userID, cursor string, limit int) (*InterventionPage, error) {
	var c *pagination.Cursor
	if cursor != "" {
		var err error
		if c, err = pagination.Decode(cursor); err != nil {
			return nil, err
		}
	}
	if _, err := s.store.GetProfile(ctx, userID); err != nil {
		return nil, err
	}

	ivs, err := s.store.ListInterventions(ctx, userID, c, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	page, next, more := pagination.ComputePage(ivs, limit, func(iv behavior.Intervention) (time.Time, string) {
		return iv.DeliveredAt, iv.ID
	})
	if page == nil {
		page = []behavior.Intervention{}
	}
	return &InterventionPage{Interventions: page, NextCursor: next, HasMore: more}, nil
}

// ListWins returns a user's most recent wins.
func (s *Service) ListWins(ctx context.Context, userID string, limit int) ([]behavior.BehavioralWin, error) {
	if _, err := s.store.GetProfile(ctx, userID); err != nil {
		return nil, err
	}
	ws, err := s.store.ListWins(ctx, userID, min(limit, maxWinsPage))
	if err != nil {
		return nil, fmt.Errorf("failed to list wins: %w", err)
	}
	if ws == nil {
		ws = []behavior.BehavioralWin{}
	}
	return ws, nil
}

// NeedsRecalibration reports whether p's seasonal factors are due for a
// refresh.
func (s *Service) NeedsRecalibration(p *behavior.Profile, now time.Time) bool {
	if p.SeasonalCalibratedAt == nil {
		return true
	}
	return now.Sub(*p.SeasonalCalibratedAt) >= behavior.Days(s.cfg.Seasonal.RecalibrateDays)
}

// RecalibrateSeasonal recomputes a user's seasonal factors from a year of
// history. The attempt is stamped even when history is too short, so the
// next try waits a full period. It reports whether the factors changed.
func (s *Service) RecalibrateSeasonal(ctx context.Context, userID string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := s.now()
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	txs, err := s.store.ListTransactions(ctx, userID, now.Add(-behavior.Days(seasonalHistoryDays)), now)
	if err != nil {
		return false, fmt.Errorf("failed to list transactions: %w", err)
	}

	factors, ok := s.detector.Calibrator().CalibrateSeasonalFactors(txs, p.SeasonalFactors)
	p.SeasonalFactors = factors
	p.SeasonalCalibratedAt = behavior.TimePtr(now)
	p.UpdatedAt = now
	if err := s.saveProfile(ctx, p); err != nil {
		return false, err
	}
	if ok {
		logging.L(ctx).Info("seasonal factors recalibrated", "user_id", userID, "transactions", len(txs))
	}
	return ok, nil
}

// SweepResult summarizes one scheduled sweep.
type SweepResult struct {
	Evaluated     int                        `json:"evaluated"`
	Failed        int                        `json:"failed"`
	Recalibrated  int                        `json:"recalibrated"`
	Interventions int                        `json:"interventions"`
	States        map[behavior.UserState]int `json:"states"`
}

// Sweep sends a SCHEDULED_TICK to every profile, recalibrating seasonal
// factors where due. Per-user failures are logged and skipped.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	res := &SweepResult{States: make(map[behavior.UserState]int)}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := s.store.ListProfiles(ctx, after, sweepBatch)
		if err != nil {
			return res, fmt.Errorf("failed to list profiles: %w", err)
		}
		for _, p := range batch {
			s.sweepOne(ctx, p, res)
		}
		if len(batch) < sweepBatch {
			break
		}
		after = batch[len(batch)-1].UserID
	}

	for _, st := range []behavior.UserState{
		behavior.StateObserving, behavior.StateFocused, behavior.StateCooldown, behavior.StateWithdrawn,
	} {
		metrics.ActiveProfiles.WithLabelValues(string(st)).Set(float64(res.States[st]))
	}
	return res, nil
}

func (s *Service) sweepOne(ctx context.Context, p *behavior.Profile, res *SweepResult) {
	log := logging.L(ctx)
	if s.NeedsRecalibration(p, s.now()) {
		if ok, err := s.RecalibrateSeasonal(ctx, p.UserID); err != nil {
			log.Warn("seasonal recalibration failed", "user_id", p.UserID, "error", err)
		} else if ok {
			res.Recalibrated++
		}
	}

	ev, err := s.ProcessTrigger(ctx, TriggerRequest{UserID: p.UserID, Trigger: behavior.TriggerScheduledTick})
	if err != nil {
		res.Failed++
		res.States[p.State]++
		log.Warn("scheduled tick failed", "user_id", p.UserID, "error", err)
		return
	}
	res.Evaluated++
	res.States[ev.Profile.State]++
	if ev.Intervention != nil {
		res.Interventions++
	}
}
