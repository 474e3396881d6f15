package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/nudge/internal/behavior"
	"github.com/mbd888/nudge/internal/calibrator"
	"github.com/mbd888/nudge/internal/detector"
)

func newDetectCmd(root *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "detect <transactions.json>",
		Short: "Run every detector once over a transaction file",
		Long: "Runs the three behavior detectors against the whole file from zero confidence,\n" +
			"as of --at (default: the last transaction).",
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
			now := txs[len(txs)-1].OccurredAt
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			results := detector.New(cfg).DetectAll(detector.Input{
				Transactions: txs,
				Seasonal:     behavior.DefaultSeasonalFactors(),
				Now:          now,
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "as of %s\n\n", now.Format(time.RFC3339))
			fmt.Fprintln(tw, "BEHAVIOR\tDETECTED\tRAW\tCONFIDENCE\tSIGNALS")
			for _, b := range []behavior.BehaviorType{behavior.SmallRecurring, behavior.StressSpending, behavior.EndOfMonth} {
				r := results[b]
				fmt.Fprintf(tw, "%s\t%t\t%.3f\t%.3f\t%d\n", b, r.Detected, r.RawConfidence, r.Confidence, len(r.Signals))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation time (RFC 3339)")
	return cmd
}

func newCalibrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate <transactions.json>",
		Short: "Fit seasonal factors to a spending history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.engineConfig()
			if err != nil {
				return err
			}
			txs, err := loadTransactions(args[0])
			if err != nil {
				return err
			}

			factors, ok := calibrator.New(cfg).CalibrateSeasonalFactors(txs, behavior.DefaultSeasonalFactors())
			if !ok {
				return fmt.Errorf("need at least %d days of history to calibrate", cfg.Seasonal.MinHistoryDays)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "month factors:")
			for i, f := range factors.Month {
				fmt.Fprintf(w, "  %-9s %.2f\n", time.Month(i+1), f)
			}
			fmt.Fprintln(w, "weekday factors:")
			for i, f := range factors.Weekday {
				fmt.Fprintf(w, "  %-9s %.2f\n", time.Weekday(i), f)
			}
			fmt.Fprintf(w, "holiday boost: %t\n", factors.HolidayBoost)
			return nil
		},
	}
}

func newThresholdsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thresholds",
		Short: "Print the effective thresholds as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.engineConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
