package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/logging"
	"github.com/mbd888/nudge/internal/nudge"
)

const replayUser = "replay"

type replayOptions struct {
	moment           string
	momentConfidence float64
	respond          string
	asJSON           bool
}

// replayStep is one replayed day.
type replayStep struct {
	Day          string                `json:"day"`
	Transactions int                   `json:"transactions"`
	State        behavior.UserState    `json:"state"`
	Active       behavior.BehaviorType `json:"activeBehavior,omitempty"`
	Confidences  behavior.Confidences  `json:"confidences"`
	Intervened   bool                  `json:"intervened"`
	BlockedBy    string                `json:"blockedBy,omitempty"`
	Message      string                `json:"message,omitempty"`
	Win          string                `json:"win,omitempty"`
	Relapse      string                `json:"relapse,omitempty"`
}

// replaySummary totals a replay.
type replaySummary struct {
	Days          int                `json:"days"`
	Transactions  int                `json:"transactions"`
	Interventions int                `json:"interventions"`
	FinalState    behavior.UserState `json:"finalState"`
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <transactions.json>",
		Short: "Replay a spending history through the engine one day at a time",
		Long: "Feeds each calendar day's transactions to a fresh in-memory engine with the clock set\n" +
			"to the day's last transaction, printing state, confidences and decisions per day.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.engineConfig()
			if err != nil {
				return err
			}
			txs, err := loadTransactions(args[0])
			if err != nil {
				return err
			}
			moment, err := opts.behavioralMoment()
			if err != nil {
				return err
			}
			resp := behavior.UserResponse(opts.respond)
			if resp != behavior.ResponseNone && !resp.Valid() {
				return fmt.Errorf("invalid --respond %q", opts.respond)
			}

			ctx := logging.WithLogger(cmd.Context(), root.logger(cmd.ErrOrStderr()))
			steps, summary, err := replay(ctx, cfg, txs, moment, resp)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeReplayJSON(cmd.OutOrStdout(), steps, summary)
			}
			return writeReplayTable(cmd.OutOrStdout(), steps, summary)
		},
	}
	cmd.Flags().StringVar(&opts.moment, "moment", "", "treat every transaction day as this behavioral moment (e.g. REPEAT_PURCHASE)")
	cmd.Flags().Float64Var(&opts.momentConfidence, "moment-confidence", 0.9, "confidence attached to --moment")
	cmd.Flags().StringVar(&opts.respond, "respond", "", "auto-respond to each intervention (viewed, dismissed, engaged, ignored)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print one JSON object per day plus a summary")
	return cmd
}

func (o *replayOptions) behavioralMoment() (behavior.BehavioralMoment, error) {
	if o.moment == "" {
		return behavior.BehavioralMoment{}, nil
	}
	if o.momentConfidence < 0 || o.momentConfidence > 1 {
		return behavior.BehavioralMoment{}, fmt.Errorf("--moment-confidence must be within [0, 1]")
	}
	return behavior.BehavioralMoment{
		IsBehavioralMoment: true,
		MomentType:         behavior.MomentType(o.moment),
		Confidence:         o.momentConfidence,
	}, nil
}

// replay runs txs (sorted by time) through a fresh engine, one batch per
// calendar day in the transactions' own location.
func replay(ctx context.Context, cfg behavior.Config, txs []behavior.Transaction, moment behavior.BehavioralMoment, resp behavior.UserResponse) ([]replayStep, replaySummary, error) {
	var clock time.Time
	svc := nudge.NewService(nudge.NewMemoryStore(), cfg).WithClock(func() time.Time { return clock })

	clock = txs[0].OccurredAt
	if _, err := svc.CreateProfile(ctx, replayUser); err != nil {
		return nil, replaySummary{}, err
	}

	var (
		steps   []replayStep
		summary replaySummary
	)
	for _, day := range groupByDay(txs) {
		clock = day[len(day)-1].OccurredAt
		ev, err := svc.IngestTransactions(ctx, replayUser, day, moment)
		if err != nil {
			return nil, summary, fmt.Errorf("day %s: %w", clock.Format(time.DateOnly), err)
		}

		step := replayStep{
			Day:          clock.Format(time.DateOnly),
			Transactions: len(day),
			Intervened:   ev.Intervention != nil,
			BlockedBy:    string(ev.Decision.BlockedBy),
		}
		if ev.Intervention != nil {
			step.Message = ev.Intervention.Message
			summary.Interventions++
		}
		if ev.Win != nil && ev.Win.HasWin {
			step.Win = string(ev.Win.Type)
		}
		if ev.Relapse != nil && ev.Relapse.IsRelapse {
			step.Relapse = string(ev.Relapse.Severity)
		}

		profile := ev.Profile
		if ev.Intervention != nil && resp != behavior.ResponseNone {
			clock = clock.Add(time.Minute)
			out, err := svc.RecordResponse(ctx, replayUser, ev.Intervention.ID, resp)
			if err != nil {
				return nil, summary, fmt.Errorf("day %s: respond: %w", step.Day, err)
			}
			profile = out.Profile
		}
		step.State = profile.State
		step.Active = profile.ActiveBehavior
		step.Confidences = profile.Confidences

		steps = append(steps, step)
		summary.Days++
		summary.Transactions += len(day)
		summary.FinalState = profile.State
	}
	return steps, summary, nil
}

func groupByDay(txs []behavior.Transaction) [][]behavior.Transaction {
	var (
		days [][]behavior.Transaction
		cur  []behavior.Transaction
		key  string
	)
	for _, tx := range txs {
		k := tx.OccurredAt.Format(time.DateOnly)
		if k != key && cur != nil {
			days = append(days, cur)
			cur = nil
		}
		key = k
		cur = append(cur, tx)
	}
	if cur != nil {
		days = append(days, cur)
	}
	return days
}

func writeReplayTable(w io.Writer, steps []replayStep, summary replaySummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tTXS\tSTATE\tACTIVE\tSMALL\tSTRESS\tEOM\tDECISION\tEVENT")
	for _, s := range steps {
		decision := "-"
		switch {
		case s.Intervened:
			decision = "INTERVENE"
		case s.BlockedBy != "":
			decision = s.BlockedBy
		}
		event := s.Message
		if s.Win != "" {
			event = "win:" + s.Win
		}
		if s.Relapse != "" {
			event = "relapse:" + s.Relapse
		}
		active := string(s.Active)
		if active == "" {
			active = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.2f\t%.2f\t%.2f\t%s\t%s\n",
			s.Day, s.Transactions, s.State, active,
			s.Confidences.SmallRecurring, s.Confidences.StressSpending, s.Confidences.EndOfMonth,
			decision, event)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d day(s), %d transaction(s), %d intervention(s), final state %s\n",
		summary.Days, summary.Transactions, summary.Interventions, summary.FinalState)
	return err
}

func writeReplayJSON(w io.Writer, steps []replayStep, summary replaySummary) error {
	enc := json.NewEncoder(w)
	for _, s := range steps {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return enc.Encode(map[string]replaySummary{"summary": summary})
}
